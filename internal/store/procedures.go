package store

import (
	"database/sql"
	"fmt"
)

// PutProcedure upserts a compiled procedure document for (procedure_id,
// version). Re-publishing the same version overwrites the prior document
// and compiled IR in place — procedures are versioned by the caller
// incrementing Version, not by this layer.
func (s *Store) PutProcedure(p Procedure) error {
	now := Now()
	p.UpdatedAt = now
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	query := s.rebind(`INSERT INTO procedures
		(procedure_id, version, project_id, document, compiled_ir, status, validation_errors, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (procedure_id, version) DO UPDATE SET
			project_id = excluded.project_id,
			document = excluded.document,
			compiled_ir = excluded.compiled_ir,
			status = excluded.status,
			validation_errors = excluded.validation_errors,
			updated_at = excluded.updated_at`)

	_, err := s.db.Exec(query, p.ProcedureID, p.Version, p.ProjectID, p.Document, p.CompiledIR,
		string(p.Status), p.ValidationErrors, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert procedure %s@%s: %w", p.ProcedureID, p.Version, err)
	}
	return nil
}

// GetProcedure fetches a single procedure version.
func (s *Store) GetProcedure(procedureID, version string) (*Procedure, error) {
	query := s.rebind(`SELECT procedure_id, version, project_id, document, compiled_ir, status,
		validation_errors, created_at, updated_at
		FROM procedures WHERE procedure_id = ? AND version = ?`)
	row := s.db.QueryRow(query, procedureID, version)
	p, err := scanProcedure(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get procedure %s@%s: %w", procedureID, version, err)
	}
	return p, nil
}

// LatestPublishedProcedure returns the highest-versioned published
// procedure for procedureID, comparing versions lexically — callers are
// expected to use a sortable version scheme (e.g. "v1", "v2", ... or
// semver).
func (s *Store) LatestPublishedProcedure(procedureID string) (*Procedure, error) {
	query := s.rebind(`SELECT procedure_id, version, project_id, document, compiled_ir, status,
		validation_errors, created_at, updated_at
		FROM procedures WHERE procedure_id = ? AND status = 'published'
		ORDER BY version DESC LIMIT 1`)
	row := s.db.QueryRow(query, procedureID)
	p, err := scanProcedure(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest published procedure %s: %w", procedureID, err)
	}
	return p, nil
}

// ListProcedures returns every stored version of every procedure,
// newest-updated first.
func (s *Store) ListProcedures() ([]Procedure, error) {
	rows, err := s.db.Query(`SELECT procedure_id, version, project_id, document, compiled_ir, status,
		validation_errors, created_at, updated_at
		FROM procedures ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list procedures: %w", err)
	}
	defer rows.Close()

	var out []Procedure
	for rows.Next() {
		p, err := scanProcedure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan procedure: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanProcedure(row scanner) (*Procedure, error) {
	var p Procedure
	var status string
	if err := row.Scan(&p.ProcedureID, &p.Version, &p.ProjectID, &p.Document, &p.CompiledIR,
		&status, &p.ValidationErrors, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = ProcedureStatus(status)
	return &p, nil
}

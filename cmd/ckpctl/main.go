/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command ckpctl is a thin operator CLI for the orchestrator database:
// publish a procedure, fire a run, inspect run state, and decide a
// pending approval, all without going through the daemon's HTTP API.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/marcus-qen/ckp-orchestrator/internal/approval"
	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/queue"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
	"github.com/marcus-qen/ckp-orchestrator/internal/trigger"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	dsn := os.Getenv("CKP_DATABASE_DSN")
	if dsn == "" {
		dsn = "./ckp-orchestrator.db"
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "publish":
		err = runPublish(dsn, args)
	case "fire":
		err = runFire(dsn, args)
	case "run":
		err = runShow(dsn, args)
	case "runs":
		err = runList(dsn, args)
	case "approve", "reject":
		err = runDecide(dsn, cmd == "approve", args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ckpctl %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `ckpctl <command> [flags]

Commands:
  publish   -procedure-id ID -version V -file procedure.json   Register a compiled procedure document.
  fire      -procedure-id ID -version V [-input '{"k":"v"}']    Create and enqueue a run.
  run       -run-id ID                                          Print a run's current state.
  runs      [-status pending|running|...] [-limit N]            List runs by status.
  approve   -approval-id ID -decided-by NAME                    Approve a pending human_approval node.
  reject    -approval-id ID -decided-by NAME                    Reject a pending human_approval node.

CKP_DATABASE_DSN selects the database (default ./ckp-orchestrator.db).`)
}

func openStore(dsn string) (*store.Store, error) {
	return store.Open(dsn)
}

func runPublish(dsn string, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	procedureID := fs.String("procedure-id", "", "procedure id")
	version := fs.String("version", "", "version string")
	file := fs.String("file", "", "path to the procedure JSON document")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *procedureID == "" || *version == "" || *file == "" {
		return fmt.Errorf("-procedure-id, -version, and -file are required")
	}

	doc, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read procedure file: %w", err)
	}
	proc, err := ir.Parse(doc)
	if err != nil {
		return fmt.Errorf("parse procedure: %w", err)
	}
	compiled, err := json.Marshal(proc)
	if err != nil {
		return fmt.Errorf("marshal compiled procedure: %w", err)
	}

	s, err := openStore(dsn)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.PutProcedure(store.Procedure{
		ProcedureID: *procedureID,
		Version:     *version,
		Document:    doc,
		CompiledIR:  compiled,
		Status:      "published",
	}); err != nil {
		return fmt.Errorf("store procedure: %w", err)
	}

	if proc.Trigger != nil {
		triggerSvc := trigger.New(s, queue.New(s))
		if err := triggerSvc.SyncFromProcedure(*procedureID, *version, proc.Trigger); err != nil {
			return fmt.Errorf("sync trigger: %w", err)
		}
	}

	fmt.Printf("published %s@%s\n", *procedureID, *version)
	return nil
}

func runFire(dsn string, args []string) error {
	fs := flag.NewFlagSet("fire", flag.ExitOnError)
	procedureID := fs.String("procedure-id", "", "procedure id")
	version := fs.String("version", "", "version string; empty uses the latest published version")
	inputJSON := fs.String("input", "{}", "JSON object of input variables")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *procedureID == "" {
		return fmt.Errorf("-procedure-id is required")
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
		return fmt.Errorf("parse -input: %w", err)
	}

	s, err := openStore(dsn)
	if err != nil {
		return err
	}
	defer s.Close()

	v := *version
	if v == "" {
		p, err := s.LatestPublishedProcedure(*procedureID)
		if err != nil {
			return fmt.Errorf("resolve latest version: %w", err)
		}
		v = p.Version
	}

	svc := trigger.New(s, queue.New(s))
	runID, err := svc.Fire(store.TriggerRegistration{
		TriggerID:   "ckpctl-manual",
		ProcedureID: *procedureID,
		Version:     v,
		Type:        trigger.TypeManual,
	}, "ckpctl", input)
	if err != nil {
		return fmt.Errorf("fire run: %w", err)
	}

	fmt.Println(runID)
	return nil
}

func runShow(dsn string, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	runID := fs.String("run-id", "", "run id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return fmt.Errorf("-run-id is required")
	}

	s, err := openStore(dsn)
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := s.GetRun(*runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	return printJSON(r)
}

func runList(dsn string, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	status := fs.String("status", "", "filter by status; empty lists pending runs")
	limit := fs.Int("limit", 50, "max rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st := store.RunStatus(*status)
	if st == "" {
		st = store.RunPending
	}

	s, err := openStore(dsn)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRunsByStatus(st, *limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	return printJSON(runs)
}

func runDecide(dsn string, approved bool, args []string) error {
	name := "approve"
	if !approved {
		name = "reject"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	approvalID := fs.String("approval-id", "", "approval id")
	decidedBy := fs.String("decided-by", "", "who is making the decision")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *approvalID == "" || *decidedBy == "" {
		return fmt.Errorf("-approval-id and -decided-by are required")
	}

	s, err := openStore(dsn)
	if err != nil {
		return err
	}
	defer s.Close()

	svc := approval.New(s, queue.New(s), nil)
	a, err := svc.Decide(*approvalID, approved, *decidedBy)
	if err != nil {
		return fmt.Errorf("decide: %w", err)
	}
	return printJSON(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

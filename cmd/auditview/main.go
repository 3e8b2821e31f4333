// auditview prints the audit chain and verifies its integrity.
// Run with: go run ./cmd/auditview [-db <conn string>]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"

	"github.com/psundaraj/ledgertrail/internal/audit"
	"github.com/psundaraj/ledgertrail/internal/models"
)

func main() {
	dbURL := flag.String("db", os.Getenv("DB_SOURCE"), "Postgres connection string")
	flag.Parse()

	if *dbURL == "" {
		log.Fatal("set -db or DB_SOURCE")
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, *dbURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx,
		`SELECT id, sender_id, receiver_id, amount, ts, status, reason, previous_hash, entry_hash
		 FROM audit_entries ORDER BY id ASC`)
	if err != nil {
		log.Fatalf("Audit query failed: %v", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.SenderID, &e.ReceiverID, &e.Amount, &e.Timestamp,
			&e.Status, &e.Reason, &e.PreviousHash, &e.EntryHash); err != nil {
			log.Fatalf("Audit scan failed: %v", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("Audit read failed: %v", err)
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return
	}

	fmt.Printf("%-5s %-22s %-8s %-10s %-12s %-8s %s\n",
		"ID", "Timestamp", "Sender", "Receiver", "Amount", "Status", "Reason")
	// Newest first, like the operator wants to read it.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		receiver := "-"
		if e.ReceiverID != nil {
			receiver = fmt.Sprintf("%d", *e.ReceiverID)
		}
		fmt.Printf("%-5d %-22s %-8d %-10s %-12s %-8s %s\n",
			e.ID,
			e.Timestamp.Format("2006-01-02 15:04:05"),
			e.SenderID,
			receiver,
			models.CentsToDecimal(e.Amount).StringFixed(2),
			e.Status,
			e.Reason,
		)
	}
	fmt.Printf("\nTotal entries: %d\n", len(entries))

	rep := audit.Verify(entries)
	if rep.Valid {
		fmt.Println("Chain integrity: VALID")
		return
	}
	fmt.Printf("Chain integrity: BROKEN at entry id %d (index %d)\n", rep.BrokenID, rep.BrokenIndex)
	os.Exit(1)
}

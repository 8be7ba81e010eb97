package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"tradeguard/internal/audit"
	"tradeguard/internal/domain"
)

func main() {
	path := flag.String("path", "./data/audit.log", "audit trail file to verify")
	flag.Parse()

	events, dropped, err := audit.ReadFile(*path)
	if err != nil {
		// Print what parsed before the corruption point, then fail.
		printSummary(*path, events, dropped)
		log.Fatalf("Audit trail is corrupt: %v", err)
	}

	printSummary(*path, events, dropped)
	fmt.Println("\nAudit trail verified.")
}

// printSummary prints record counts and a per-kind breakdown.
func printSummary(path string, events []*domain.AuditEvent, dropped int) {
	fmt.Printf("File: %s\n", path)
	fmt.Printf("Records: %d\n", len(events))
	if dropped > 0 {
		fmt.Printf("Dropped incomplete trailing records: %d\n", dropped)
	}
	if len(events) == 0 {
		return
	}

	first := events[0].Timestamp
	last := events[len(events)-1].Timestamp
	fmt.Printf("Span: %s .. %s\n", first.Format(time.RFC3339), last.Format(time.RFC3339))

	// Count events by kind and rejections by reason
	kindCounts := make(map[domain.EventKind]int)
	reasonCounts := make(map[domain.RejectReason]int)
	for _, event := range events {
		kindCounts[event.Kind]++
		if event.Kind == domain.EventTradeRejected {
			reasonCounts[event.Reason]++
		}
	}

	var kinds []domain.EventKind
	for kind := range kindCounts {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nKind\tCount")
	for _, kind := range kinds {
		fmt.Fprintf(w, "%s\t%d\n", kind, kindCounts[kind])
	}
	w.Flush()

	if len(reasonCounts) == 0 {
		return
	}

	var reasons []domain.RejectReason
	for reason := range reasonCounts {
		reasons = append(reasons, reason)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })

	fmt.Fprintln(w, "\nReject Reason\tCount")
	for _, reason := range reasons {
		fmt.Fprintf(w, "%s\t%d\n", reason, reasonCounts[reason])
	}
	w.Flush()
}

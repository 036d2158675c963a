package match

import (
	"testing"
	"time"
)

func newTestMatch(mode Mode) *Match {
	rounds := []*Round{
		{ID: "r1", TaskID: "task-1", ExampleID: "ex-1", Statement: "I can't sleep at night.", PlayerAID: "p1"},
		{ID: "r2", TaskID: "task-1", ExampleID: "ex-2", Statement: "Nothing helps the pain.", PlayerAID: "p1"},
	}
	if mode == ModeTDM {
		for _, r := range rounds {
			r.PlayerBID = "p2"
		}
	}
	players := []Player{{ID: "p1", Name: "Ava"}, {ID: "p2", Name: "Ben"}}
	return NewMatch("m1", mode, players, nil, rounds)
}

func TestMarkStartedIdempotent(t *testing.T) {
	m := newTestMatch(ModeFFA)
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	if err := m.MarkStarted("r1", at); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	r := m.Round("r1")
	if r.Status != RoundInProgress || !r.StartedAt.Equal(at) {
		t.Fatalf("round after start = %+v", r)
	}

	// Second call must not move the start timestamp.
	if err := m.MarkStarted("r1", at.Add(time.Minute)); err != nil {
		t.Fatalf("second MarkStarted: %v", err)
	}
	if !m.Round("r1").StartedAt.Equal(at) {
		t.Fatal("repeated MarkStarted moved the start timestamp")
	}

	if err := m.MarkStarted("missing", at); err == nil {
		t.Fatal("MarkStarted on unknown round should error")
	}
}

func TestRoundCompletionInvariantSolo(t *testing.T) {
	m := newTestMatch(ModeFFA)

	if err := m.RecordResult(result("r1", "p1", 4)); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if got := m.Round("r1").Status; got != RoundCompleted {
		t.Fatalf("solo round status after sole result = %q, want completed", got)
	}
	if got := m.Round("r2").Status; got == RoundCompleted {
		t.Fatal("untouched round must not be completed")
	}
}

func TestRoundCompletionInvariantVersus(t *testing.T) {
	m := newTestMatch(ModeTDM)

	if err := m.RecordResult(result("r1", "p1", 4)); err != nil {
		t.Fatalf("RecordResult A: %v", err)
	}
	if got := m.Round("r1").Status; got == RoundCompleted {
		t.Fatal("round completed before player B's result")
	}

	if err := m.RecordResult(result("r1", "p2", 3)); err != nil {
		t.Fatalf("RecordResult B: %v", err)
	}
	if got := m.Round("r1").Status; got != RoundCompleted {
		t.Fatalf("round status after both results = %q, want completed", got)
	}
}

func TestRecordResultRejections(t *testing.T) {
	m := newTestMatch(ModeFFA)

	if err := m.RecordResult(result("r1", "p1", 4)); err != nil {
		t.Fatalf("first RecordResult: %v", err)
	}
	if err := m.RecordResult(result("r1", "p1", 5)); err == nil {
		t.Fatal("duplicate (round, participant) result must be rejected")
	}
	if err := m.RecordResult(result("r1", "p2", 4)); err == nil {
		t.Fatal("result from unassigned participant must be rejected")
	}
	if err := m.RecordResult(result("nope", "p1", 4)); err == nil {
		t.Fatal("result for unknown round must be rejected")
	}

	// The original result survives the rejected writes.
	res, ok := m.Result("r1", "p1")
	if !ok || res.Score != 4 {
		t.Fatalf("stored result = %+v (ok=%v), want score 4", res, ok)
	}
}

func TestResultsOrdering(t *testing.T) {
	m := newTestMatch(ModeTDM)

	// Record out of order: r2 before r1, B before A.
	for _, res := range []TurnResult{
		result("r2", "p2", 1),
		result("r1", "p2", 2),
		result("r2", "p1", 3),
		result("r1", "p1", 4),
	} {
		if err := m.RecordResult(res); err != nil {
			t.Fatalf("RecordResult(%s/%s): %v", res.RoundID, res.PlayerID, err)
		}
	}

	got := m.Results()
	wantOrder := []struct{ round, player string }{
		{"r1", "p1"}, {"r1", "p2"}, {"r2", "p1"}, {"r2", "p2"},
	}
	if len(got) != len(wantOrder) {
		t.Fatalf("Results len = %d, want %d", len(got), len(wantOrder))
	}
	for i, w := range wantOrder {
		if got[i].RoundID != w.round || got[i].PlayerID != w.player {
			t.Errorf("Results[%d] = %s/%s, want %s/%s", i, got[i].RoundID, got[i].PlayerID, w.round, w.player)
		}
	}

	if !m.Finished() {
		t.Fatal("match with all rounds completed should be finished")
	}
}

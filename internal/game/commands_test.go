package game

import (
	"errors"
	"testing"

	"github.com/go-test/deep"

	"github.com/dcrodman/tbs/internal/core/doc"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Command
		wantErr bool
	}{
		{name: "null", input: `null`, want: Commands{}},
		{name: "set_dotted", input: `{"set":"a.b","value":1}`, want: SetState{Path: doc.List{"a", "b"}, Value: float64(1)}},
		{name: "set_root", input: `{"set":"","value":{}}`, want: SetState{Path: doc.List{}, Value: doc.Map{}}},
		{name: "send", input: `{"send":{"type":"x"},"to":[0,-1]}`, want: Send{Message: doc.Map{"type": "x"}, Recipients: []int{0, -1}}},
		{name: "log", input: `{"log":"moved"}`, want: Log{Text: "moved"}},
		{name: "error", input: `{"error":"nope"}`, want: Fail{Message: "nope"}},
		{name: "list", input: `[{"log":"a"},null]`, want: Commands{Log{Text: "a"}, Commands{}}},
		{name: "unknown", input: `{"explode":true}`, wantErr: true},
		{name: "bad_path", input: `{"set":7}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := doc.Parse([]byte(tt.input))
			if err != nil {
				t.Fatalf("bad test input: %v", err)
			}
			got, err := ParseCommand(v)
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected a ValidationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand() returned an unexpected error: %v", err)
			}
			if diff := deep.Equal(got, tt.want); diff != nil {
				t.Error(diff)
			}
		})
	}
}

func TestSetState(t *testing.T) {
	g := newEchoGame(t)
	ctx := g.context(-1, "test")

	before := g.StateID()
	cmds := Commands{
		SetState{Path: doc.List{"board", "cells"}, Value: doc.List{0, 0, 0}},
		SetState{Path: doc.List{"board", "cells", 1}, Value: "x"},
	}
	if err := cmds.Execute(ctx); err != nil {
		t.Fatalf("Execute() returned an unexpected error: %v", err)
	}
	g.commit()
	if g.StateID() != before+1 {
		t.Errorf("expected one state id bump for a batch, got %d -> %d", before, g.StateID())
	}
	want := doc.Value(doc.Map{"messages": doc.List{}, "board": doc.Map{"cells": doc.List{float64(0), "x", float64(0)}}})
	if diff := deep.Equal(g.Doc(), want); diff != nil {
		t.Error(diff)
	}

	bad := []SetState{
		{Path: doc.List{"board", "cells", 9}, Value: 1},
		{Path: doc.List{"messages", "x"}, Value: 1},
		{Path: doc.List{"board", 1}, Value: 1},
		{Path: doc.List{"a", "b", 7, "c"}, Value: 1},
		{Path: doc.List{"board", "cells", 1, "x"}, Value: 1},
	}
	g.dirty = false
	for _, cmd := range bad {
		var verr *ValidationError
		if err := cmd.Execute(ctx); !errors.As(err, &verr) {
			t.Errorf("expected a ValidationError for %v, got %v", cmd.Path, err)
		}
	}
	// A rejected command leaves the document exactly as it was.
	if diff := deep.Equal(g.Doc(), want); diff != nil {
		t.Errorf("failed commands changed the document: %v", diff)
	}
	if g.dirty {
		t.Errorf("expected failed commands not to mark the game changed")
	}
}

// ABOUTME: Notes pack provides key-value storage scoped to the calling session.
// ABOUTME: Backed by the notes table of the SQLite store.

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/relay-gateway/internal/store"
)

// NoteStore is the persistence used by the notes pack.
type NoteStore interface {
	SetNote(ctx context.Context, note *store.Note) error
	GetNote(ctx context.Context, namespace, key string) (*store.Note, error)
	ListNotes(ctx context.Context, namespace string) ([]*store.Note, error)
	DeleteNote(ctx context.Context, namespace, key string) error
}

// NotesPack creates the notes pack with key-value storage tools.
func NotesPack(s NoteStore) *Pack {
	n := &notesHandlers{store: s}
	return &Pack{
		ID: "builtin:notes",
		Tools: []*Tool{
			newTool("notes_set", "Store a note",
				`{"type":"object","properties":{"key":{"type":"string"},"value":{"type":"string"}},"required":["key","value"]}`,
				n.Set),
			newTool("notes_get", "Retrieve a note",
				`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`,
				n.Get),
			newTool("notes_list", "List all note keys",
				`{"type":"object","properties":{}}`,
				n.List),
			newTool("notes_delete", "Delete a note",
				`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`,
				n.Delete),
		},
	}
}

type notesHandlers struct {
	store NoteStore
}

type noteInput struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (n *notesHandlers) decode(input json.RawMessage) (noteInput, error) {
	var in noteInput
	if err := decodeInput(input, &in); err != nil {
		return in, fmt.Errorf("invalid input: %w", err)
	}
	if in.Key == "" {
		return in, errors.New("key is required")
	}
	return in, nil
}

func (n *notesHandlers) Set(ctx context.Context, sessionKey string, input json.RawMessage) (json.RawMessage, error) {
	in, err := n.decode(input)
	if err != nil {
		return nil, err
	}

	note := &store.Note{
		Namespace: sessionKey,
		Key:       in.Key,
		Value:     in.Value,
	}
	if err := n.store.SetNote(ctx, note); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]string{"key": in.Key, "status": "saved"})
}

func (n *notesHandlers) Get(ctx context.Context, sessionKey string, input json.RawMessage) (json.RawMessage, error) {
	in, err := n.decode(input)
	if err != nil {
		return nil, err
	}

	note, err := n.store.GetNote(ctx, sessionKey, in.Key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("note %q not found", in.Key)
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]string{"key": note.Key, "value": note.Value})
}

func (n *notesHandlers) List(ctx context.Context, sessionKey string, _ json.RawMessage) (json.RawMessage, error) {
	notes, err := n.store.ListNotes(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(notes))
	for i, note := range notes {
		keys[i] = note.Key
	}

	return json.Marshal(map[string]any{"keys": keys, "count": len(keys)})
}

func (n *notesHandlers) Delete(ctx context.Context, sessionKey string, input json.RawMessage) (json.RawMessage, error) {
	in, err := n.decode(input)
	if err != nil {
		return nil, err
	}

	err = n.store.DeleteNote(ctx, sessionKey, in.Key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("note %q not found", in.Key)
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]string{"key": in.Key, "status": "deleted"})
}

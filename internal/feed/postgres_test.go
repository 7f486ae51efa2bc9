package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bookmarks/internal/bookmark"
)

func TestDecodeNotification(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantKind  bookmark.Kind
		wantID    string
		wantOwner string
		wantErr   bool
	}{
		{
			name:      "insert",
			payload:   `{"table":"bookmarks","type":"INSERT","record":{"id":"a","user_id":"u1","title":"Go","url":"https://go.dev","created_at":"2025-03-04T09:00:00.123456+00:00"},"old_record":null}`,
			wantKind:  bookmark.KindInsert,
			wantID:    "a",
			wantOwner: "u1",
		},
		{
			name:      "update",
			payload:   `{"table":"bookmarks","type":"UPDATE","record":{"id":"a","user_id":"u1","title":"Go 2","url":"https://go.dev","created_at":"2025-03-04T09:00:00Z"},"old_record":{"id":"a","user_id":"u1"}}`,
			wantKind:  bookmark.KindUpdate,
			wantID:    "a",
			wantOwner: "u1",
		},
		{
			name:     "delete carries only the id",
			payload:  `{"table":"bookmarks","type":"DELETE","record":null,"old_record":{"id":"a"}}`,
			wantKind: bookmark.KindDelete,
			wantID:   "a",
		},
		{name: "not json", payload: `{`, wantErr: true},
		{name: "unknown type", payload: `{"table":"bookmarks","type":"TRUNCATE"}`, wantErr: true},
		{name: "no row", payload: `{"table":"bookmarks","type":"INSERT"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collection, ev, err := DecodeNotification(tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "bookmarks", collection)
			assert.Equal(t, tt.wantKind, ev.Kind)
			assert.Equal(t, tt.wantID, ev.Record.ID)
			assert.Equal(t, tt.wantOwner, ev.Record.OwnerID)
			assert.Equal(t, bookmark.SourceChangeFeed, ev.Source)
		})
	}
}

func TestNewPostgres(t *testing.T) {
	_, err := NewPostgres("  ")
	assert.Error(t, err)

	p, err := NewPostgres("postgres://localhost/bookmarks", WithChannel("custom"))
	require.NoError(t, err)
	assert.Equal(t, "custom", p.channel)
}

package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxSendAndReceive(t *testing.T) {
	m := NewMailbox()
	assert.True(t, m.Send(Event{Kind: EventPieceComplete, PieceIndex: 3}))

	e := <-m.Events()
	assert.Equal(t, EventPieceComplete, e.Kind)
	assert.EqualValues(t, 3, e.PieceIndex)
}

func TestMailboxSendAfterCloseFails(t *testing.T) {
	m := NewMailbox()
	m.Close()
	assert.False(t, m.Send(Event{Kind: EventDownloadComplete}))
}

func TestMailboxSendOnFullBufferDropsInsteadOfBlocking(t *testing.T) {
	m := NewMailbox()
	for i := 0; i < mailboxBuffer; i++ {
		require.True(t, m.Send(Event{Kind: EventBlockComplete}))
	}
	assert.False(t, m.Send(Event{Kind: EventBlockComplete}))
}

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

func TestPublisherStoresEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	require.NoError(t, pub.Publish(context.Background(), bookmark.Event{ID: "a", Status: bookmark.StatusComplete}))
	require.NoError(t, pub.Publish(context.Background(), bookmark.Event{ID: "b", Status: bookmark.StatusError}))

	events := pub.Events()
	require.Len(t, events, 2)
	require.Equal(t, "a", events[0].ID)
	require.Equal(t, bookmark.StatusError, events[1].Status)

	events[0].ID = "modified"
	require.Equal(t, "a", pub.Events()[0].ID, "Events() must return a copy")
}

package queue

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendBulkPartialFailure(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(store, newFakeClock(baseTime))
	ctx := context.Background()

	var recipients []BulkRecipient
	for i := 0; i < 10; i++ {
		recipients = append(recipients, BulkRecipient{Email: fmt.Sprintf("member%d@example.com", i), Name: fmt.Sprintf("Member %d", i)})
	}
	recipients = append(recipients,
		BulkRecipient{Email: "broken-address"},
		BulkRecipient{Email: "also@broken"},
	)

	res, err := m.SendBulk(ctx, recipients, "News for {{name}}", "<p>Hi {{name}}, this is for {{email}}</p>", BulkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Queued)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 12, res.Total)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "broken-address", res.Failures[0].Recipient)

	counts, err := m.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), counts.Pending)
	assert.Equal(t, int64(10), counts.Total)

	items, err := store.ListByStatus(ctx, StatusPending, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "News for Member 0", items[0].Subject)
	assert.Equal(t, "<p>Hi Member 0, this is for member0@example.com</p>", items[0].Body)
	assert.Equal(t, PriorityLow, items[0].Priority)
}

func TestSendBulkStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(store, newFakeClock(baseTime))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := m.SendBulk(ctx, []BulkRecipient{{Email: "a@example.com"}}, "s", "b", BulkOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Queued)
	assert.Equal(t, 1, res.Total)
}

func TestRenderTemplate(t *testing.T) {
	r := BulkRecipient{
		Email:  "dana@example.com",
		Name:   "Dana <script>",
		Fields: map[string]string{"plan": "Pro & Co", "email": "ignored@example.com"},
	}

	body := RenderTemplate("<p>{{name}} / {{email}} / {{plan}} / {{unknown}}</p>", r, true)
	assert.Equal(t, "<p>Dana &lt;script&gt; / dana@example.com / Pro &amp; Co / {{unknown}}</p>", body)

	subject := RenderTemplate("Hello {{name}} on {{plan}}", r, false)
	assert.Equal(t, "Hello Dana <script> on Pro & Co", subject)
}

package schema

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/copydesk/internal/domain/orderstore"
)

func TestTopicValidation(t *testing.T) {
	require.True(t, TopicNewOrder.Valid())
	require.True(t, Topic(" ORDER_UPDATE ").Valid())
	require.False(t, Topic("positions").Valid())
	require.Len(t, Topics(), 2)
}

func TestNewNotificationCopiesOrder(t *testing.T) {
	order := orderstore.Order{OrderID: "A", UpstreamIDs: []string{"A", "B"}}
	n := NewNotification(" NEW_ORDER", order)

	require.Equal(t, TopicNewOrder, n.Topic)
	order.UpstreamIDs[0] = "mutated"
	require.Equal(t, "A", n.Order.UpstreamIDs[0])

	cloned := n.Clone()
	cloned.Order.UpstreamIDs[1] = "mutated"
	require.Equal(t, "B", n.Order.UpstreamIDs[1])
}

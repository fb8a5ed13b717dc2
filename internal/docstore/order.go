package docstore

import (
	"slices"
	"strings"

	"github.com/young-artisan/storefront-chat/internal/model"
)

// SortConversations orders by UpdatedAt descending, breaking ties by ID.
func SortConversations(convs []model.Conversation) {
	slices.SortStableFunc(convs, func(a, b model.Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// SortMessages orders by Timestamp ascending. Equal timestamps keep store order.
func SortMessages(msgs []model.Message) {
	slices.SortStableFunc(msgs, func(a, b model.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

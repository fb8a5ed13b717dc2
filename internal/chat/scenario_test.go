package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/young-artisan/storefront-chat/internal/docstore/memory"
)

// A customer asks about two products from the same artist and ends up with one
// conversation holding two product threads.
func TestTwoProductsOneConversation(t *testing.T) {
	spy := newSpy(memory.New())
	m := newTestManager(t, spy, ava)
	ctx := t.Context()

	require.NoError(t, m.OpenConversationWith(ctx, bea, lizard))
	require.NotNil(t, m.State().Draft)

	require.NoError(t, m.SendMessage(ctx, SendRequest{Text: "Is this available in blue?"}))
	st := waitFor(t, m, func(st State) bool {
		return len(st.Conversations) == 1 && len(st.ActiveMessages) == 1
	})
	conv := st.ActiveConversation()
	require.NotNil(t, conv)
	require.Contains(t, conv.DiscussedProducts, lizard.ID)
	assert.False(t, conv.DiscussedProducts[lizard.ID].LastDiscussed.IsZero())
	assert.Equal(t, lizard.ID, st.ActiveMessages[0].ProductID)
	convID := st.ActiveConversationID

	require.NoError(t, m.OpenConversationWith(ctx, bea, bracelet))
	st = m.State()
	assert.Equal(t, convID, st.ActiveConversationID)
	assert.Nil(t, st.Draft)
	require.NotNil(t, st.SessionProduct)
	assert.Equal(t, bracelet.ID, st.SessionProduct.ID)
	assert.Equal(t, bracelet.ID, st.ActiveProductID)
	assert.Empty(t, st.VisibleMessages())
	conversations, _ := spy.counts()
	assert.Equal(t, 1, conversations)

	require.NoError(t, m.SendMessage(ctx, SendRequest{Text: "Can I get this in pink?"}))
	st = waitFor(t, m, func(st State) bool {
		conv := st.ActiveConversation()
		return len(st.ActiveMessages) == 2 && conv != nil && len(conv.DiscussedProducts) == 2
	})
	assert.Equal(t, bracelet.ID, st.ActiveMessages[1].ProductID)
	assert.Equal(t, "Can I get this in pink?", st.ActiveConversation().LastMessage)

	lizardThread := MessagesForProduct(st.ActiveMessages, lizard.ID)
	require.Len(t, lizardThread, 1)
	assert.Equal(t, "Is this available in blue?", lizardThread[0].Text)

	braceletThread := MessagesForProduct(st.ActiveMessages, bracelet.ID)
	require.Len(t, braceletThread, 1)
	assert.Equal(t, "Can I get this in pink?", braceletThread[0].Text)

	assert.Equal(t, []string{bracelet.ID, lizard.ID}, productIDs(st.Products()))
	assert.Equal(t, map[string]int{lizard.ID: 1, bracelet.ID: 1}, st.Counts())

	m.SelectProduct(lizard.ID)
	visible := m.State().VisibleMessages()
	require.Len(t, visible, 1)
	assert.Equal(t, "Is this available in blue?", visible[0].Text)

	conversations, messages := spy.counts()
	assert.Equal(t, 1, conversations)
	assert.Equal(t, 2, messages)
}

package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/young-artisan/storefront-chat/internal/model"
)

func productIDs(products []model.ProductSnapshot) []string {
	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestDiscussedProductsUnion(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conv := &model.Conversation{
		ID: "c1",
		DiscussedProducts: map[string]model.ProductSnapshot{
			"lizard":   {ID: "lizard", Title: "Rainbow Bead Lizard", LastDiscussed: base},
			"bracelet": {ID: "bracelet", Title: "Daisy Bead Bracelet", LastDiscussed: base.Add(time.Minute)},
		},
		ProductContext: &model.ProductSnapshot{ID: "keychain", Title: "Keychain", LastDiscussed: base.Add(-time.Hour)},
	}
	session := &model.Product{ID: "ring", Title: "Bead Ring"}
	draft := &model.Product{ID: "lizard", Title: "Rainbow Bead Lizard"}

	products := DiscussedProducts(conv, session, draft)
	assert.Equal(t, []string{"bracelet", "lizard", "keychain", "ring"}, productIDs(products))
	assert.Equal(t, base, products[1].LastDiscussed, "recorded entry wins over the draft copy")
}

func TestDiscussedProductsTieBreak(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conv := &model.Conversation{
		DiscussedProducts: map[string]model.ProductSnapshot{
			"b": {ID: "b", LastDiscussed: at},
			"a": {ID: "a", LastDiscussed: at},
			"z": {ID: "z"},
			"y": {ID: "y"},
		},
	}
	assert.Equal(t, []string{"a", "b", "y", "z"}, productIDs(DiscussedProducts(conv, nil, nil)))
}

func TestDiscussedProductsEmpty(t *testing.T) {
	assert.Empty(t, DiscussedProducts(nil, nil, nil))
	assert.Empty(t, DiscussedProducts(&model.Conversation{}, &model.Product{}, nil))
}

func TestDefaultProductTab(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conv := &model.Conversation{
		DiscussedProducts: map[string]model.ProductSnapshot{
			"lizard":   {ID: "lizard", LastDiscussed: at},
			"bracelet": {ID: "bracelet", LastDiscussed: at.Add(time.Second)},
		},
	}

	tests := []struct {
		name    string
		conv    *model.Conversation
		session *model.Product
		draft   *model.Product
		want    string
	}{
		{name: "session first", conv: conv, session: &model.Product{ID: "ring"}, draft: lizard, want: "ring"},
		{name: "then draft", conv: conv, draft: lizard, want: "lizard"},
		{name: "then most recent", conv: conv, want: "bracelet"},
		{name: "nothing", want: ""},
		{name: "blank session ignored", session: &model.Product{}, draft: bracelet, want: "bracelet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultProductTab(tt.conv, tt.session, tt.draft))
		})
	}
}

func TestMessagesForProduct(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []model.Message{
		{ID: "3", ProductID: "lizard", Timestamp: at.Add(2 * time.Second)},
		{ID: "1", ProductID: "lizard", Timestamp: at},
		{ID: "2", ProductID: "bracelet", Timestamp: at.Add(time.Second)},
		{ID: "4", Timestamp: at.Add(3 * time.Second)},
	}

	got := MessagesForProduct(msgs, "lizard")
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
	assert.Equal(t, "3", msgs[0].ID, "input is left untouched")

	assert.Len(t, MessagesForProduct(msgs, "bracelet"), 1)
	assert.Empty(t, MessagesForProduct(msgs, "ring"))
	assert.Nil(t, MessagesForProduct(msgs, ""))

	assert.Equal(t, map[string]int{"lizard": 2, "bracelet": 1}, MessageCounts(msgs))
}

func TestStateVisibleMessages(t *testing.T) {
	st := State{
		ActiveMessages: []model.Message{
			{ID: "1", ProductID: "lizard"},
			{ID: "2"},
		},
	}
	assert.Len(t, st.VisibleMessages(), 2)

	st.ActiveProductID = "lizard"
	require.Len(t, st.VisibleMessages(), 1)
	assert.Equal(t, "1", st.VisibleMessages()[0].ID)
}

func TestStateProductsIncludesDraft(t *testing.T) {
	st := State{Draft: &model.DraftConversation{Artist: bea, Product: lizard}}
	assert.Equal(t, []string{"lizard"}, productIDs(st.Products()))
}

func TestFindWithMatchesCounterpart(t *testing.T) {
	convs := []model.Conversation{
		{ID: "bea-cal", ParticipantIDs: []string{bea.ID, cal.ID}},
		{ID: "ava-bea", ParticipantIDs: []string{ava.ID, bea.ID}},
	}

	conv := findWith(convs, ava.ID, bea.ID)
	require.NotNil(t, conv)
	assert.Equal(t, "ava-bea", conv.ID)

	assert.Nil(t, findWith(convs, ava.ID, cal.ID), "a conversation ava is not in never matches")
	assert.Nil(t, findWith(nil, ava.ID, bea.ID))
}

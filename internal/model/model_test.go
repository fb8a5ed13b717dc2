package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActorIdentity(t *testing.T) {
	assert.False(t, Actor{DisplayName: "Bea"}.HasID())
	assert.False(t, Actor{ID: "  "}.HasID())
	assert.True(t, Actor{ID: "artist-bea"}.HasID())

	assert.Equal(t, "Bea", Actor{ID: "artist-bea", DisplayName: "Bea"}.Name())
	assert.Equal(t, "artist-bea", Actor{ID: "artist-bea"}.Name())
}

func TestConversationParticipants(t *testing.T) {
	c := &Conversation{ParticipantIDs: []string{"cust-ava", "artist-bea"}}

	assert.True(t, c.HasParticipant("artist-bea"))
	assert.False(t, c.HasParticipant("artist-cal"))
	assert.Equal(t, "artist-bea", c.Counterpart("cust-ava"))
	assert.Equal(t, "cust-ava", c.Counterpart("artist-bea"))
}

func TestConversationCloneIsDeep(t *testing.T) {
	orig := Conversation{
		ID:                "c1",
		ParticipantIDs:    []string{"a", "b"},
		ParticipantNames:  map[string]string{"a": "Ava"},
		DiscussedProducts: map[string]ProductSnapshot{"lizard": {ID: "lizard"}},
		ProductContext:    &ProductSnapshot{ID: "lizard"},
	}

	c := orig.Clone()
	c.ParticipantIDs[0] = "x"
	c.ParticipantNames["a"] = "Other"
	c.DiscussedProducts["ring"] = ProductSnapshot{ID: "ring"}
	c.ProductContext.ID = "ring"

	assert.Equal(t, "a", orig.ParticipantIDs[0])
	assert.Equal(t, "Ava", orig.ParticipantNames["a"])
	assert.Len(t, orig.DiscussedProducts, 1)
	assert.Equal(t, "lizard", orig.ProductContext.ID)
}

func TestProductSnapshotLeavesStampUnset(t *testing.T) {
	p := Product{ID: "lizard", Title: "Rainbow Bead Lizard", Price: "$5.00", Artist: &Actor{ID: "artist-bea"}}
	snap := p.Snapshot()

	assert.Equal(t, "lizard", snap.ID)
	assert.Equal(t, "$5.00", snap.Price)
	assert.True(t, snap.LastDiscussed.IsZero())
}

func TestMessageTypeValid(t *testing.T) {
	assert.True(t, MessageTypeText.Valid())
	assert.True(t, MessageTypeProductContext.Valid())
	assert.False(t, MessageType("sticker").Valid())
	assert.False(t, MessageType("").Valid())
}

package model

import "time"

// Product is the storefront item a conversation can be about.
type Product struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Image  string `json:"image,omitempty"`
	Price  string `json:"price,omitempty"`
	Artist *Actor `json:"artist,omitempty"`
}

// ProductSnapshot is the denormalized copy of a product kept on a conversation.
type ProductSnapshot struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Image         string    `json:"image,omitempty"`
	Price         string    `json:"price,omitempty"`
	LastDiscussed time.Time `json:"last_discussed,omitempty"`
}

// Snapshot copies the display fields of p. LastDiscussed is left for the store to stamp.
func (p Product) Snapshot() ProductSnapshot {
	return ProductSnapshot{
		ID:    p.ID,
		Title: p.Title,
		Image: p.Image,
		Price: p.Price,
	}
}

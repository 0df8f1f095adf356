package models

import "time"

// Product is a canteen inventory item. CategoryID is a weak reference;
// deleting a category nulls it rather than cascading.
type Product struct {
	ID         int64     `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	UnitPrice  int64     `json:"unit_price" db:"unit_price"` // smallest currency unit
	Stock      int64     `json:"stock" db:"stock"`
	CategoryID *int64    `json:"category_id" db:"category_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Category is pure reference data for grouping products.
type Category struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

package services

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"

	"github.com/kantinpay/backend/internal/models"
)

type ProductService struct {
	db        *sql.DB
	validator *validator.Validate
}

// ProductRequest represents product creation or update
// @Description Product request structure
type ProductRequest struct {
	Name       string `json:"name" validate:"required,min=2,max=100" example:"Nasi Goreng"` // Product name
	UnitPrice  int64  `json:"unit_price" validate:"gte=0" example:"15000"`                  // Price in rupiah, zero for free items
	Stock      int64  `json:"stock" validate:"gte=0" example:"20"`                          // Units in stock
	CategoryID *int64 `json:"category_id,omitempty" validate:"omitempty,gt=0" example:"3"`  // Optional category
}

// StockAdjustRequest adjusts stock by a signed delta
// @Description Stock adjustment request structure
type StockAdjustRequest struct {
	Delta int64 `json:"delta" validate:"required" example:"10"` // Signed stock change
}

// CategoryRequest represents category creation
// @Description Category request structure
type CategoryRequest struct {
	Name string `json:"name" validate:"required,min=2,max=100" example:"Makanan"` // Category name
}

func NewProductService(db *sql.DB) *ProductService {
	return &ProductService{
		db:        db,
		validator: validator.New(),
	}
}

// CreateProduct adds a product to the catalogue
// @Summary Create product
// @Description Create a product with price and initial stock
// @Tags products
// @Accept json
// @Produce json
// @Param request body ProductRequest true "Product request"
// @Success 201 {object} models.Product "Product created"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Security BearerAuth
// @Router /products [post]
func (s *ProductService) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	now := time.Now()
	product := models.Product{
		Name:       req.Name,
		UnitPrice:  req.UnitPrice,
		Stock:      req.Stock,
		CategoryID: req.CategoryID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.db.QueryRowContext(r.Context(), `
		INSERT INTO products (name, unit_price, stock, category_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		product.Name, product.UnitPrice, product.Stock, product.CategoryID, now, now).Scan(&product.ID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
			SendErrorResponse(w, "Category not found", http.StatusBadRequest, nil)
			return
		}
		log.Printf("[PRODUCT] Failed to insert product: %v", err)
		SendErrorResponse(w, "Failed to create product", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PRODUCT] Created product %d (%s)", product.ID, product.Name)
	writeJSON(w, http.StatusCreated, product)
}

// UpdateProduct updates a product's name, price or category. Price changes do
// not touch past transaction details; those keep their sale-time snapshot.
// @Summary Update product
// @Description Update product name, price, stock and category
// @Tags products
// @Accept json
// @Produce json
// @Param id path int true "Product id"
// @Param request body ProductRequest true "Product request"
// @Success 200 {object} models.Product "Product updated"
// @Failure 404 {object} ErrorResponse "Product not found"
// @Security BearerAuth
// @Router /products/{id} [put]
func (s *ProductService) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid product id", http.StatusBadRequest, nil)
		return
	}

	var req ProductRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	now := time.Now()
	result, err := s.db.ExecContext(r.Context(), `
		UPDATE products SET name = $1, unit_price = $2, stock = $3, category_id = $4, updated_at = $5
		WHERE id = $6`,
		req.Name, req.UnitPrice, req.Stock, req.CategoryID, now, id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
			SendErrorResponse(w, "Category not found", http.StatusBadRequest, nil)
			return
		}
		log.Printf("[PRODUCT] Failed to update product %d: %v", id, err)
		SendErrorResponse(w, "Failed to update product", http.StatusInternalServerError, nil)
		return
	}

	if n, _ := result.RowsAffected(); n == 0 {
		SendErrorResponse(w, "Product not found", http.StatusNotFound, nil)
		return
	}

	product := models.Product{
		ID:         id,
		Name:       req.Name,
		UnitPrice:  req.UnitPrice,
		Stock:      req.Stock,
		CategoryID: req.CategoryID,
		UpdatedAt:  now,
	}
	writeJSON(w, http.StatusOK, product)
}

// AdjustStock applies a signed stock delta, e.g. restocking or spoilage
// @Summary Adjust stock
// @Description Apply a signed stock delta; the result must stay non-negative
// @Tags products
// @Accept json
// @Produce json
// @Param id path int true "Product id"
// @Param request body StockAdjustRequest true "Stock adjustment"
// @Success 200 {object} models.Product "Stock adjusted"
// @Failure 400 {object} ErrorResponse "Adjustment would make stock negative"
// @Failure 404 {object} ErrorResponse "Product not found"
// @Security BearerAuth
// @Router /products/{id}/stock [post]
func (s *ProductService) AdjustStock(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid product id", http.StatusBadRequest, nil)
		return
	}

	var req StockAdjustRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	tx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		log.Printf("[PRODUCT] Failed to begin stock adjustment: %v", err)
		SendErrorResponse(w, "Failed to adjust stock", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	var product models.Product
	err = tx.QueryRowContext(r.Context(), `
		SELECT id, name, unit_price, stock, category_id
		FROM products
		WHERE id = $1
		FOR UPDATE`, id).Scan(
		&product.ID, &product.Name, &product.UnitPrice, &product.Stock, &product.CategoryID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Product not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[PRODUCT] Failed to lock product %d: %v", id, err)
			SendErrorResponse(w, "Failed to adjust stock", http.StatusInternalServerError, nil)
		}
		return
	}

	newStock := product.Stock + req.Delta
	if newStock < 0 {
		SendErrorResponse(w, "Adjustment would make stock negative", http.StatusBadRequest, nil)
		return
	}

	now := time.Now()
	if _, err := tx.ExecContext(r.Context(), `
		UPDATE products SET stock = $1, updated_at = $2 WHERE id = $3`,
		newStock, now, id); err != nil {
		log.Printf("[PRODUCT] Failed to update stock for product %d: %v", id, err)
		SendErrorResponse(w, "Failed to adjust stock", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[PRODUCT] Failed to commit stock adjustment: %v", err)
		SendErrorResponse(w, "Failed to adjust stock", http.StatusInternalServerError, nil)
		return
	}

	product.Stock = newStock
	product.UpdatedAt = now
	log.Printf("[PRODUCT] Adjusted stock for product %d by %d, now %d", id, req.Delta, newStock)
	writeJSON(w, http.StatusOK, product)
}

// GetProduct returns a product by id
// @Summary Get product
// @Description Get a product by id
// @Tags products
// @Produce json
// @Param id path int true "Product id"
// @Success 200 {object} models.Product "Product"
// @Failure 404 {object} ErrorResponse "Product not found"
// @Security BearerAuth
// @Router /products/{id} [get]
func (s *ProductService) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid product id", http.StatusBadRequest, nil)
		return
	}

	var p models.Product
	err = s.db.QueryRowContext(r.Context(), `
		SELECT id, name, unit_price, stock, category_id, created_at, updated_at
		FROM products
		WHERE id = $1`, id).Scan(
		&p.ID, &p.Name, &p.UnitPrice, &p.Stock, &p.CategoryID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Product not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[PRODUCT] Failed to fetch product %d: %v", id, err)
			SendErrorResponse(w, "Failed to fetch product", http.StatusInternalServerError, nil)
		}
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// ListProducts returns the product catalogue
// @Summary List products
// @Description List products, optionally filtered by category
// @Tags products
// @Produce json
// @Param category_id query int false "Category id"
// @Success 200 {array} models.Product "Products"
// @Security BearerAuth
// @Router /products [get]
func (s *ProductService) ListProducts(w http.ResponseWriter, r *http.Request) {
	query := `
		SELECT id, name, unit_price, stock, category_id, created_at, updated_at
		FROM products`
	args := []any{}

	if v := r.URL.Query().Get("category_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			SendErrorResponse(w, "Invalid category_id", http.StatusBadRequest, nil)
			return
		}
		args = append(args, id)
		query += " WHERE category_id = $1"
	}

	query += " ORDER BY name"

	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[PRODUCT] Failed to list products: %v", err)
		SendErrorResponse(w, "Failed to list products", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.UnitPrice, &p.Stock, &p.CategoryID,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			log.Printf("[PRODUCT] Failed to scan product row: %v", err)
			SendErrorResponse(w, "Failed to list products", http.StatusInternalServerError, nil)
			return
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[PRODUCT] Product rows iteration error: %v", err)
		SendErrorResponse(w, "Failed to list products", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, products)
}

// DeleteProduct removes a product. Existing transaction details keep their
// price snapshot; their product reference is nulled by the schema's ON DELETE
// SET NULL.
// @Summary Delete product
// @Description Delete a product from the catalogue
// @Tags products
// @Produce json
// @Param id path int true "Product id"
// @Success 200 {object} map[string]string "Product deleted"
// @Failure 404 {object} ErrorResponse "Product not found"
// @Security BearerAuth
// @Router /products/{id} [delete]
func (s *ProductService) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid product id", http.StatusBadRequest, nil)
		return
	}

	result, err := s.db.ExecContext(r.Context(), `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		log.Printf("[PRODUCT] Failed to delete product %d: %v", id, err)
		SendErrorResponse(w, "Failed to delete product", http.StatusInternalServerError, nil)
		return
	}

	if n, _ := result.RowsAffected(); n == 0 {
		SendErrorResponse(w, "Product not found", http.StatusNotFound, nil)
		return
	}

	log.Printf("[PRODUCT] Deleted product %d", id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Product deleted"})
}

// CreateCategory adds a product category
// @Summary Create category
// @Description Create a product category
// @Tags categories
// @Accept json
// @Produce json
// @Param request body CategoryRequest true "Category request"
// @Success 201 {object} models.Category "Category created"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Security BearerAuth
// @Router /categories [post]
func (s *ProductService) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var req CategoryRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	category := models.Category{Name: req.Name}
	err := s.db.QueryRowContext(r.Context(), `
		INSERT INTO categories (name) VALUES ($1) RETURNING id`,
		category.Name).Scan(&category.ID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			SendErrorResponse(w, "Category already exists", http.StatusConflict, nil)
			return
		}
		log.Printf("[PRODUCT] Failed to insert category: %v", err)
		SendErrorResponse(w, "Failed to create category", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PRODUCT] Created category %d (%s)", category.ID, category.Name)
	writeJSON(w, http.StatusCreated, category)
}

// ListCategories returns all categories
// @Summary List categories
// @Description List product categories
// @Tags categories
// @Produce json
// @Success 200 {array} models.Category "Categories"
// @Security BearerAuth
// @Router /categories [get]
func (s *ProductService) ListCategories(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `SELECT id, name FROM categories ORDER BY name`)
	if err != nil {
		log.Printf("[PRODUCT] Failed to list categories: %v", err)
		SendErrorResponse(w, "Failed to list categories", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	categories := []models.Category{}
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			log.Printf("[PRODUCT] Failed to scan category row: %v", err)
			SendErrorResponse(w, "Failed to list categories", http.StatusInternalServerError, nil)
			return
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[PRODUCT] Category rows iteration error: %v", err)
		SendErrorResponse(w, "Failed to list categories", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, categories)
}

// DeleteCategory removes a category and nulls the reference on its products
// in the same transaction.
// @Summary Delete category
// @Description Delete a category; its products become uncategorized
// @Tags categories
// @Produce json
// @Param id path int true "Category id"
// @Success 200 {object} map[string]string "Category deleted"
// @Failure 404 {object} ErrorResponse "Category not found"
// @Security BearerAuth
// @Router /categories/{id} [delete]
func (s *ProductService) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid category id", http.StatusBadRequest, nil)
		return
	}

	tx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		log.Printf("[PRODUCT] Failed to begin category deletion: %v", err)
		SendErrorResponse(w, "Failed to delete category", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(r.Context(), `
		UPDATE products SET category_id = NULL, updated_at = $1 WHERE category_id = $2`,
		time.Now(), id); err != nil {
		log.Printf("[PRODUCT] Failed to detach products from category %d: %v", id, err)
		SendErrorResponse(w, "Failed to delete category", http.StatusInternalServerError, nil)
		return
	}

	result, err := tx.ExecContext(r.Context(), `DELETE FROM categories WHERE id = $1`, id)
	if err != nil {
		log.Printf("[PRODUCT] Failed to delete category %d: %v", id, err)
		SendErrorResponse(w, "Failed to delete category", http.StatusInternalServerError, nil)
		return
	}

	if n, _ := result.RowsAffected(); n == 0 {
		SendErrorResponse(w, "Category not found", http.StatusNotFound, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[PRODUCT] Failed to commit category deletion: %v", err)
		SendErrorResponse(w, "Failed to delete category", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PRODUCT] Deleted category %d", id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Category deleted"})
}

func (s *ProductService) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		log.Printf("[PRODUCT] Invalid request body: %v", err)
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := s.validator.Struct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}

	return true
}

package sales

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/formdesk/internal/forms"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreateProduct = "sales.create_product"
	opListProducts  = "sales.list_products"
	opRecordSale    = "sales.record_sale"
	opTotalSales    = "sales.total_sales"
	opSaveDashboard = "sales.save_dashboard"
	opGetDashboard  = "sales.get_dashboard"
)

var (
	// ErrNotFound indicates a missing product or dashboard.
	ErrNotFound = errors.New("sales: not found")
	// ErrForbidden indicates the caller does not own the product.
	ErrForbidden = errors.New("sales: forbidden")
	// ErrNotSellable indicates a sale was recorded against a product that is not for sale.
	ErrNotSellable = errors.New("sales: product is not sellable")

	errMissingDatabase   = errors.New("sales: database handle is required")
	errMissingIDProvider = errors.New("sales: id provider is required")
)

// ProductInput carries the caller-editable attributes of a product.
type ProductInput struct {
	Name         string         `json:"product_name" validate:"required,max=200"`
	Type         string         `json:"product_type" validate:"max=100"`
	Sellable     *bool          `json:"sellable"`
	ImagePath    string         `json:"image_path" validate:"max=512"`
	FormSlug     string         `json:"form_slug" validate:"omitempty,max=64"`
	CustomFields map[string]any `json:"custom_fields"`
}

// SaleInput carries one sale to record.
type SaleInput struct {
	AmountCents  int64  `json:"amount_cents" validate:"gte=0"`
	Quantity     int    `json:"quantity" validate:"omitempty,gte=1"`
	CustomerName string `json:"customer_name" validate:"max=200"`
}

// DashboardInput carries a user's dashboard configuration.
type DashboardInput struct {
	Name      string          `json:"name" validate:"max=200"`
	ProductID string          `json:"product_id" validate:"omitempty,max=190"`
	Config    json.RawMessage `json:"config"`
}

// ProductSummary joins a product with its form metadata and sales rollup.
type ProductSummary struct {
	Product    Product
	FormSlug   string
	FormTitle  string
	TotalCents int64
	SalesCount int64
}

// SalesTotal is the rollup of every sale recorded against one product.
type SalesTotal struct {
	ProductID  string
	TotalCents int64
	SalesCount int64
}

type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider forms.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service aggregates products, their sales and per-user dashboards.
type Service struct {
	db         *gorm.DB
	idProvider forms.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	checker    *validator.Validate
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checker := validator.New(validator.WithRequiredStructEnabled())
	checker.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		checker:    checker,
	}, nil
}

// CreateProduct persists a product owned by ownerID. A form slug, when given,
// must name an existing schema.
func (s *Service) CreateProduct(ctx context.Context, ownerID string, input ProductInput) (Product, error) {
	if err := s.check(input); err != nil {
		return Product{}, err
	}
	db := s.db.WithContext(ctx)

	var formSchemaID *string
	if slug := strings.TrimSpace(input.FormSlug); slug != "" {
		normalized, err := forms.NewSlug(slug)
		if err != nil {
			return Product{}, &forms.ValidationError{Fields: map[string]string{"form_slug": err.Error()}}
		}
		var schema forms.FormSchema
		err = db.Select("id").Where("slug = ?", normalized.String()).Take(&schema).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Product{}, &forms.ValidationError{Fields: map[string]string{"form_slug": "unknown form"}}
		}
		if err != nil {
			return Product{}, s.fail(opCreateProduct, "schema_lookup_failed", err)
		}
		formSchemaID = &schema.ID
	}

	customFields, err := json.Marshal(input.CustomFields)
	if err != nil {
		return Product{}, &forms.ValidationError{Fields: map[string]string{"custom_fields": err.Error()}}
	}
	productID, err := s.idProvider.NewID()
	if err != nil {
		return Product{}, s.fail(opCreateProduct, "id_generation_failed", err)
	}
	sellable := true
	if input.Sellable != nil {
		sellable = *input.Sellable
	}

	product := Product{
		ID:               productID,
		OwnerID:          ownerID,
		Name:             strings.TrimSpace(input.Name),
		Type:             strings.TrimSpace(input.Type),
		Sellable:         sellable,
		ImagePath:        strings.TrimSpace(input.ImagePath),
		FormSchemaID:     formSchemaID,
		CustomFieldsJSON: datatypes.JSON(customFields),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := db.Create(&product).Error; err != nil {
		return Product{}, s.fail(opCreateProduct, "insert_failed", err)
	}
	return product, nil
}

// ListProducts returns ownerID's products, newest first, each with its sales rollup.
func (s *Service) ListProducts(ctx context.Context, ownerID string) ([]ProductSummary, error) {
	db := s.db.WithContext(ctx)

	var products []Product
	if err := db.Where("owner_id = ?", ownerID).
		Order("created_at_s DESC").
		Order("id DESC").
		Find(&products).Error; err != nil {
		return nil, s.fail(opListProducts, "query_failed", err)
	}
	if len(products) == 0 {
		return []ProductSummary{}, nil
	}

	productIDs := make([]string, 0, len(products))
	schemaIDs := make([]string, 0, len(products))
	for _, product := range products {
		productIDs = append(productIDs, product.ID)
		if product.FormSchemaID != nil {
			schemaIDs = append(schemaIDs, *product.FormSchemaID)
		}
	}

	var totals []SalesTotal
	if err := db.Model(&Sale{}).
		Select("product_id, COALESCE(SUM(amount_cents), 0) AS total_cents, COUNT(id) AS sales_count").
		Where("product_id IN ?", productIDs).
		Group("product_id").
		Scan(&totals).Error; err != nil {
		return nil, s.fail(opListProducts, "aggregate_failed", err)
	}
	totalsByProduct := make(map[string]SalesTotal, len(totals))
	for _, total := range totals {
		totalsByProduct[total.ProductID] = total
	}

	schemasByID := map[string]forms.FormSchema{}
	if len(schemaIDs) > 0 {
		var schemas []forms.FormSchema
		if err := db.Select("id", "slug", "title").Where("id IN ?", schemaIDs).Find(&schemas).Error; err != nil {
			return nil, s.fail(opListProducts, "schema_lookup_failed", err)
		}
		for _, schema := range schemas {
			schemasByID[schema.ID] = schema
		}
	}

	summaries := make([]ProductSummary, 0, len(products))
	for _, product := range products {
		summary := ProductSummary{Product: product}
		if total, ok := totalsByProduct[product.ID]; ok {
			summary.TotalCents = total.TotalCents
			summary.SalesCount = total.SalesCount
		}
		if product.FormSchemaID != nil {
			if schema, ok := schemasByID[*product.FormSchemaID]; ok {
				summary.FormSlug = schema.Slug
				summary.FormTitle = schema.Title
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// RecordSale appends a sale to one of ownerID's products.
func (s *Service) RecordSale(ctx context.Context, ownerID, productID string, input SaleInput) (Sale, error) {
	if err := s.check(input); err != nil {
		return Sale{}, err
	}
	product, err := s.ownedProduct(ctx, opRecordSale, ownerID, productID)
	if err != nil {
		return Sale{}, err
	}
	if !product.Sellable {
		return Sale{}, ErrNotSellable
	}
	saleID, err := s.idProvider.NewID()
	if err != nil {
		return Sale{}, s.fail(opRecordSale, "id_generation_failed", err)
	}
	quantity := input.Quantity
	if quantity == 0 {
		quantity = 1
	}
	sale := Sale{
		ID:            saleID,
		ProductID:     product.ID,
		AmountCents:   input.AmountCents,
		Quantity:      quantity,
		CustomerName:  strings.TrimSpace(input.CustomerName),
		SoldAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&sale).Error; err != nil {
		return Sale{}, s.fail(opRecordSale, "insert_failed", err)
	}
	return sale, nil
}

// TotalSales sums the amounts of every sale referencing the product.
func (s *Service) TotalSales(ctx context.Context, ownerID, productID string) (SalesTotal, error) {
	product, err := s.ownedProduct(ctx, opTotalSales, ownerID, productID)
	if err != nil {
		return SalesTotal{}, err
	}
	total := SalesTotal{ProductID: product.ID}
	if err := s.db.WithContext(ctx).Model(&Sale{}).
		Select("COALESCE(SUM(amount_cents), 0) AS total_cents, COUNT(id) AS sales_count").
		Where("product_id = ?", product.ID).
		Scan(&total).Error; err != nil {
		return SalesTotal{}, s.fail(opTotalSales, "aggregate_failed", err)
	}
	total.ProductID = product.ID
	return total, nil
}

// SaveDashboard creates or replaces ownerID's dashboard.
func (s *Service) SaveDashboard(ctx context.Context, ownerID string, input DashboardInput) (Dashboard, error) {
	if err := s.check(input); err != nil {
		return Dashboard{}, err
	}
	config := input.Config
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	if !json.Valid(config) {
		return Dashboard{}, &forms.ValidationError{Fields: map[string]string{"config": "must be valid JSON"}}
	}

	var productID *string
	if trimmed := strings.TrimSpace(input.ProductID); trimmed != "" {
		if _, err := s.ownedProduct(ctx, opSaveDashboard, ownerID, trimmed); err != nil {
			return Dashboard{}, err
		}
		productID = &trimmed
	}

	dashboardID, err := s.idProvider.NewID()
	if err != nil {
		return Dashboard{}, s.fail(opSaveDashboard, "id_generation_failed", err)
	}
	now := s.clock().UTC().Unix()
	dashboard := Dashboard{
		ID:               dashboardID,
		OwnerID:          ownerID,
		ProductID:        productID,
		Name:             strings.TrimSpace(input.Name),
		ConfigJSON:       datatypes.JSON(config),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"product_id", "name", "config_json", "updated_at_s"}),
	}).Create(&dashboard).Error; err != nil {
		return Dashboard{}, s.fail(opSaveDashboard, "upsert_failed", err)
	}
	return s.GetDashboard(ctx, ownerID)
}

// GetDashboard returns ownerID's dashboard.
func (s *Service) GetDashboard(ctx context.Context, ownerID string) (Dashboard, error) {
	var dashboard Dashboard
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Take(&dashboard).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Dashboard{}, ErrNotFound
	}
	if err != nil {
		return Dashboard{}, s.fail(opGetDashboard, "query_failed", err)
	}
	return dashboard, nil
}

func (s *Service) ownedProduct(ctx context.Context, operation, ownerID, productID string) (Product, error) {
	var product Product
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(productID)).Take(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, s.fail(operation, "product_lookup_failed", err)
	}
	if product.OwnerID != ownerID {
		return Product{}, ErrForbidden
	}
	return product, nil
}

func (s *Service) check(input any) error {
	err := s.checker.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return &forms.ValidationError{Fields: map[string]string{"_": err.Error()}}
	}
	failures := make(map[string]string, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		failures[fieldError.Field()] = fmt.Sprintf("failed %s validation", fieldError.Tag())
	}
	return &forms.ValidationError{Fields: failures}
}

func (s *Service) fail(operation, reason string, err error) error {
	s.logger.Error("sales service error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return fmt.Errorf("%s.%s: %w", operation, reason, err)
}

package sales

import (
	"gorm.io/datatypes"
)

// Product is a sellable listing owned by a user, optionally backed by a form schema.
type Product struct {
	ID               string         `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID          string         `gorm:"column:owner_id;size:190;not null;index"`
	Name             string         `gorm:"column:name;size:200;not null"`
	Type             string         `gorm:"column:product_type;size:100;not null;default:''"`
	Sellable         bool           `gorm:"column:sellable;not null"`
	ImagePath        string         `gorm:"column:image_path;size:512;not null;default:''"`
	FormSchemaID     *string        `gorm:"column:form_schema_id;size:190;index"`
	CustomFieldsJSON datatypes.JSON `gorm:"column:custom_fields_json"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Product) TableName() string {
	return "products"
}

// Sale records one sale of a product. Amounts are integer cents.
type Sale struct {
	ID            string   `gorm:"column:id;primaryKey;size:190;not null"`
	ProductID     string   `gorm:"column:product_id;size:190;not null;index"`
	Product       *Product `gorm:"foreignKey:ProductID;references:ID;constraint:OnDelete:RESTRICT"`
	AmountCents   int64    `gorm:"column:amount_cents;not null"`
	Quantity      int      `gorm:"column:quantity;not null;default:1"`
	CustomerName  string   `gorm:"column:customer_name;size:200;not null;default:''"`
	SoldAtSeconds int64    `gorm:"column:sold_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Sale) TableName() string {
	return "sales"
}

// Dashboard stores one user's dashboard configuration.
type Dashboard struct {
	ID               string         `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID          string         `gorm:"column:owner_id;size:190;not null;uniqueIndex"`
	ProductID        *string        `gorm:"column:product_id;size:190"`
	Name             string         `gorm:"column:name;size:200;not null;default:''"`
	ConfigJSON       datatypes.JSON `gorm:"column:config_json"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Dashboard) TableName() string {
	return "dashboards"
}

// Models lists every persisted type owned by this package, parents first.
func Models() []any {
	return []any{&Product{}, &Sale{}, &Dashboard{}}
}

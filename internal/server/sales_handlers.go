package server

import (
	"encoding/json"
	"net/http"

	"github.com/MarcoPoloResearchLab/formdesk/internal/sales"
	"github.com/gin-gonic/gin"
)

type productResponse struct {
	ID               string          `json:"product_id"`
	Name             string          `json:"product_name"`
	Type             string          `json:"product_type"`
	Sellable         bool            `json:"sellable"`
	ImagePath        string          `json:"image_path"`
	FormSchemaID     *string         `json:"form_schema_id"`
	FormSlug         string          `json:"form_slug,omitempty"`
	FormTitle        string          `json:"form_title,omitempty"`
	CustomFields     json.RawMessage `json:"custom_fields"`
	CreatedAtSeconds int64           `json:"created_at_s"`
	TotalSalesCents  int64           `json:"total_sales_cents"`
	SalesCount       int64           `json:"sales_count"`
}

type saleResponse struct {
	ID            string `json:"sales_id"`
	ProductID     string `json:"product_id"`
	AmountCents   int64  `json:"amount_cents"`
	Quantity      int    `json:"quantity"`
	CustomerName  string `json:"customer_name"`
	SoldAtSeconds int64  `json:"sold_at_s"`
}

type dashboardResponse struct {
	ID               string          `json:"dashboard_id"`
	Name             string          `json:"name"`
	ProductID        *string         `json:"product_id"`
	Config           json.RawMessage `json:"config"`
	CreatedAtSeconds int64           `json:"created_at_s"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
}

func newProductResponse(summary sales.ProductSummary) productResponse {
	product := summary.Product
	customFields := json.RawMessage(product.CustomFieldsJSON)
	if len(customFields) == 0 {
		customFields = json.RawMessage("null")
	}
	return productResponse{
		ID:               product.ID,
		Name:             product.Name,
		Type:             product.Type,
		Sellable:         product.Sellable,
		ImagePath:        product.ImagePath,
		FormSchemaID:     product.FormSchemaID,
		FormSlug:         summary.FormSlug,
		FormTitle:        summary.FormTitle,
		CustomFields:     customFields,
		CreatedAtSeconds: product.CreatedAtSeconds,
		TotalSalesCents:  summary.TotalCents,
		SalesCount:       summary.SalesCount,
	}
}

func newDashboardResponse(dashboard sales.Dashboard) dashboardResponse {
	config := json.RawMessage(dashboard.ConfigJSON)
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	return dashboardResponse{
		ID:               dashboard.ID,
		Name:             dashboard.Name,
		ProductID:        dashboard.ProductID,
		Config:           config,
		CreatedAtSeconds: dashboard.CreatedAtSeconds,
		UpdatedAtSeconds: dashboard.UpdatedAtSeconds,
	}
}

func (h *httpHandler) handleCreateProduct(c *gin.Context) {
	var input sales.ProductInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	product, err := h.sales.CreateProduct(c.Request.Context(), actorFromContext(c).UserID, input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newProductResponse(sales.ProductSummary{Product: product}))
}

func (h *httpHandler) handleListProducts(c *gin.Context) {
	summaries, err := h.sales.ListProducts(c.Request.Context(), actorFromContext(c).UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]productResponse, 0, len(summaries))
	for _, summary := range summaries {
		response = append(response, newProductResponse(summary))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleRecordSale(c *gin.Context) {
	var input sales.SaleInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	sale, err := h.sales.RecordSale(c.Request.Context(), actorFromContext(c).UserID, c.Param("id"), input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saleResponse{
		ID:            sale.ID,
		ProductID:     sale.ProductID,
		AmountCents:   sale.AmountCents,
		Quantity:      sale.Quantity,
		CustomerName:  sale.CustomerName,
		SoldAtSeconds: sale.SoldAtSeconds,
	})
}

func (h *httpHandler) handleTotalSales(c *gin.Context) {
	total, err := h.sales.TotalSales(c.Request.Context(), actorFromContext(c).UserID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"product_id":        total.ProductID,
		"total_sales_cents": total.TotalCents,
		"sales_count":       total.SalesCount,
	})
}

func (h *httpHandler) handleGetDashboard(c *gin.Context) {
	dashboard, err := h.sales.GetDashboard(c.Request.Context(), actorFromContext(c).UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDashboardResponse(dashboard))
}

func (h *httpHandler) handleSaveDashboard(c *gin.Context) {
	var input sales.DashboardInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	dashboard, err := h.sales.SaveDashboard(c.Request.Context(), actorFromContext(c).UserID, input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDashboardResponse(dashboard))
}

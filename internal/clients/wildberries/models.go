package wildberries

// Request and response shapes for the three Wildberries endpoints. Responses
// are validated at this boundary; everything past the client is fully typed.

// periodBody is the reporting window in the aggregates request.
type periodBody struct {
	Start string `json:"start"` // YYYY-MM-DD
	End   string `json:"end"`   // YYYY-MM-DD
}

// orderByBody selects result ordering in the aggregates request.
type orderByBody struct {
	Field string `json:"field"`
	Mode  string `json:"mode"`
}

// aggregatesRequest is the analytics v2 stocks-report request body.
type aggregatesRequest struct {
	CurrentPeriod       periodBody  `json:"currentPeriod"`
	StockType           string      `json:"stockType"`
	SkipDeletedNm       bool        `json:"skipDeletedNm"`
	AvailabilityFilters []string    `json:"availabilityFilters"`
	OrderBy             orderByBody `json:"orderBy"`
	Limit               int         `json:"limit"`
	Offset              int         `json:"offset"`
}

// aggregateMetrics carries the authoritative totals per product.
type aggregateMetrics struct {
	StockCount  int `json:"stockCount"`
	OrdersCount int `json:"ordersCount"`
}

// aggregateItem is one product row of the aggregates response.
type aggregateItem struct {
	NmID       int64            `json:"nmID"`
	VendorCode string           `json:"vendorCode"`
	Title      string           `json:"title"`
	Metrics    aggregateMetrics `json:"metrics"`
}

// aggregatesResponse is the analytics v2 stocks-report response envelope.
type aggregatesResponse struct {
	Data struct {
		Items []aggregateItem `json:"items"`
	} `json:"data"`
}

// createTaskResponse is the warehouse-remains task creation response.
type createTaskResponse struct {
	Data struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
}

// remainsWarehouse is a per-warehouse quantity in the remains download.
type remainsWarehouse struct {
	Name     string `json:"warehouseName"`
	Quantity int    `json:"quantity"`
}

// remainsItem is one product row of the warehouse-remains download.
type remainsItem struct {
	NmID       int64              `json:"nmId"`
	VendorCode string             `json:"vendorCode"`
	Warehouses []remainsWarehouse `json:"warehouses"`
}

// orderRecord is one row of the statistics v1 supplier/orders response.
type orderRecord struct {
	NmID          int64  `json:"nmId"`
	WarehouseName string `json:"warehouseName"`
	SRID          string `json:"srid"`
	IsCancel      bool   `json:"isCancel"`
	Date          string `json:"date"`
}

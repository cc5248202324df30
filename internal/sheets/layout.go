package sheets

import (
	"fmt"
	"strconv"

	"github.com/mstakhov/wbsync/internal/domain"
)

// Two-header-row horizontal layout: row 1 carries category headers, row 2
// field names. Six product columns, then three columns per warehouse slot.
const (
	productFieldCount   = 6
	warehouseFieldCount = 3
	dataStartRow        = 3
)

var productFieldHeaders = []interface{}{
	"Артикул продавца", "nmId", "Название", "Заказы (всего)", "Остаток (всего)", "Оборачиваемость",
}

var warehouseFieldHeaders = []interface{}{"Склад", "Заказы", "Остаток"}

// columnName converts a zero-based column index to its A1 letter form.
func columnName(index int) string {
	name := ""
	for index >= 0 {
		name = string(rune('A'+index%26)) + name
		index = index/26 - 1
	}
	return name
}

// layoutWidth is the total column count for the given warehouse slot count.
func layoutWidth(slots int) int {
	return productFieldCount + slots*warehouseFieldCount
}

// headerRows builds the two header rows for the given slot count.
func headerRows(slots int) [][]interface{} {
	width := layoutWidth(slots)

	row1 := make([]interface{}, width)
	row2 := make([]interface{}, width)
	for i := range row1 {
		row1[i] = ""
		row2[i] = ""
	}

	row1[0] = "Товар"
	copy(row2, productFieldHeaders)

	for s := 0; s < slots; s++ {
		base := productFieldCount + s*warehouseFieldCount
		row1[base] = fmt.Sprintf("Склад %d", s+1)
		copy(row2[base:base+warehouseFieldCount], warehouseFieldHeaders)
	}

	return [][]interface{}{row1, row2}
}

// productRow renders one product into a layout row of the given slot count.
func productRow(p domain.Product, slots int) []interface{} {
	row := make([]interface{}, layoutWidth(slots))
	for i := range row {
		row[i] = ""
	}

	row[0] = p.VendorCode
	row[1] = strconv.FormatInt(p.NmID, 10)
	row[2] = p.Name
	row[3] = strconv.Itoa(p.TotalOrders)
	row[4] = strconv.Itoa(p.TotalStock)
	row[5] = turnover(p)

	for i, w := range p.Warehouses {
		if i >= slots {
			break
		}
		base := productFieldCount + i*warehouseFieldCount
		row[base] = w.Name
		row[base+1] = strconv.Itoa(w.Orders)
		row[base+2] = strconv.Itoa(w.Stock)
	}

	return row
}

// turnover is stock divided by orders in the reporting window, blank when no
// orders were recorded.
func turnover(p domain.Product) string {
	if p.TotalOrders == 0 {
		return ""
	}
	return strconv.FormatFloat(float64(p.TotalStock)/float64(p.TotalOrders), 'f', 1, 64)
}

// maxWarehouseSlots returns the widest warehouse list across products, at
// least one so the layout always has a warehouse group.
func maxWarehouseSlots(products []domain.Product) int {
	slots := 1
	for _, p := range products {
		if len(p.Warehouses) > slots {
			slots = len(p.Warehouses)
		}
	}
	return slots
}

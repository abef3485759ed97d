package adapter

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"inventorycore/internal/pkg/httpclient"
	"inventorycore/internal/service/inventory/port"
)

// erpStockResponse 是 ERP 库存查询接口的响应体
type erpStockResponse struct {
	StockCode string `json:"stock_code"`
	Quantity  *int   `json:"quantity"`
}

// ErpHTTPAdapter 实现了 port.StockSource 接口，通过 HTTP 查询 ERP 的权威库存。
type ErpHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

// NewErpHTTPAdapter 创建 ERP 适配器，超时由调用方通过 ctx 控制
func NewErpHTTPAdapter(client *httpclient.Client, baseURL string) *ErpHTTPAdapter {
	return &ErpHTTPAdapter{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// GetQuantity 查询单个库存编码的在库量。ERP 返回 404 时视为编码已从数据源中消失。
func (a *ErpHTTPAdapter) GetQuantity(ctx context.Context, externalStockCode string) (int, error) {
	endpoint := a.baseURL + "/stock/" + url.PathEscape(externalStockCode)

	var resp erpStockResponse
	err := a.client.GetJSON(ctx, endpoint, &resp)
	if err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return 0, port.ErrStockCodeNotFound
		}
		return 0, errors.Wrapf(err, "query erp stock %s", externalStockCode)
	}
	if resp.Quantity == nil {
		return 0, errors.Errorf("erp response for %s has no quantity", externalStockCode)
	}
	return *resp.Quantity, nil
}

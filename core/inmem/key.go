package inmem

import "net/url"

// QueryIDParam is unique per call and is only used by ClickHouse for tracing,
// so it must not split otherwise identical inserts into different batches.
const QueryIDParam = "query_id"

// DestinationParams returns a copy of params without QueryIDParam.
// params itself is not modified.
func DestinationParams(params url.Values) url.Values {
	res := make(url.Values, len(params))
	for k, vs := range params {
		if k == QueryIDParam {
			continue
		}
		res[k] = append([]string(nil), vs...)
	}
	return res
}

// DeriveKey returns canonical batch key for request params: query_id is dropped,
// names are sorted and values of repeated names keep their order.
func DeriveKey(params url.Values) string {
	return DestinationParams(params).Encode()
}

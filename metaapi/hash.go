package metaapi

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// StateHashes are the content digests the synchronize request carries so
// the server can skip re-sending unchanged collections. An empty string
// means the collection is uninitialized and no digest is sent.
type StateHashes struct {
	SpecificationsMD5 string
	PositionsMD5      string
	OrdersMD5         string
}

var positionVolatileFields = []string{
	"profit", "unrealizedProfit", "realizedProfit", "currentPrice",
	"currentTickValue", "updateSequenceNumber", "accountCurrencyExchangeRate",
	"comment", "brokerComment", "clientId",
}

var orderVolatileFields = []string{
	"currentPrice", "updateSequenceNumber", "accountCurrencyExchangeRate",
	"comment", "brokerComment", "clientId",
}

// GetHashes computes the three collection digests of a replica's state.
// The canonical form is deterministic: collections are sorted (positions
// and orders by id, specifications by symbol), volatile fields stripped,
// and object keys serialized in lexicographic order, so arrival order never
// changes the digest.
func (t *TerminalState) GetHashes(accountType, instanceIndex string) StateHashes {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.instances[instanceIndex]
	if !ok {
		return StateHashes{}
	}
	g1 := accountType == AccountTypeCloudG1

	var hashes StateHashes

	if len(s.specifications) > 0 {
		specs := make([]map[string]interface{}, 0, len(s.specifications))
		for _, spec := range s.specifications {
			m := toJSONMap(spec)
			if g1 {
				delete(m, "description")
			}
			specs = append(specs, m)
		}
		sortByStringKey(specs, "symbol")
		hashes.SpecificationsMD5 = digest(specs, g1)
	}

	if s.positionsInitialized {
		positions := make([]map[string]interface{}, 0, len(s.positions))
		for _, position := range s.positions {
			m := toJSONMap(position)
			stripFields(m, positionVolatileFields)
			if g1 {
				delete(m, "time")
				delete(m, "updateTime")
			}
			positions = append(positions, m)
		}
		sortByStringKey(positions, "id")
		hashes.PositionsMD5 = digest(positions, g1)
	}

	if s.ordersInitialized {
		orders := make([]map[string]interface{}, 0, len(s.orders))
		for _, order := range s.orders {
			m := toJSONMap(order)
			stripFields(m, orderVolatileFields)
			if g1 {
				delete(m, "time")
			}
			orders = append(orders, m)
		}
		sortByStringKey(orders, "id")
		hashes.OrdersMD5 = digest(orders, g1)
	}

	return hashes
}

func toJSONMap(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func stripFields(m map[string]interface{}, fields []string) {
	for _, f := range fields {
		delete(m, f)
	}
}

func sortByStringKey(items []map[string]interface{}, key string) {
	sort.Slice(items, func(i, j int) bool {
		a, _ := items[i][key].(string)
		b, _ := items[j][key].(string)
		return a < b
	})
}

func digest(items []map[string]interface{}, g1 bool) string {
	var serialized []byte
	if g1 {
		var b strings.Builder
		writeG1Value(&b, "", sliceToInterface(items))
		serialized = []byte(b.String())
	} else {
		serialized, _ = json.Marshal(items)
	}
	sum := md5.Sum(serialized)
	return hex.EncodeToString(sum[:])
}

func sliceToInterface(items []map[string]interface{}) []interface{} {
	out := make([]interface{}, len(items))
	for i, m := range items {
		out[i] = m
	}
	return out
}

// isIntegerHashKey reports the fields the legacy serialization emits as bare
// integers; every other number is fixed to 8 decimal places.
func isIntegerHashKey(key string) bool {
	return key == "digits" || key == "magic"
}

// writeG1Value renders the legacy canonical form: object keys sorted,
// numbers formatted with 8 fixed decimals except under integer keys.
func writeG1Value(b *strings.Builder, key string, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			encoded, _ := json.Marshal(k)
			b.Write(encoded)
			b.WriteByte(':')
			writeG1Value(b, k, val[k])
		}
		b.WriteByte('}')
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeG1Value(b, key, item)
		}
		b.WriteByte(']')
	case float64:
		if isIntegerHashKey(key) {
			b.WriteString(strconv.FormatInt(int64(math.Round(val)), 10))
		} else {
			b.WriteString(strconv.FormatFloat(val, 'f', 8, 64))
		}
	case string:
		encoded, _ := json.Marshal(val)
		b.Write(encoded)
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case nil:
		b.WriteString("null")
	default:
		encoded, _ := json.Marshal(val)
		b.Write(encoded)
	}
}

package ibkr

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// The broker returns account and contract lookups in several shapes depending
// on endpoint version: a list of plain ids, a list of objects, or a single
// object, with key names varying between them. Each parser tries the known
// forms in order and returns a ShapeError for anything else rather than
// guessing.

var accountIDKeys = []string{"accountId", "acctId", "id"}

// parseAccountID extracts the first account id from an accounts response.
func parseAccountID(raw json.RawMessage) (string, error) {
	var ids []string
	if err := json.Unmarshal(raw, &ids); err == nil {
		if len(ids) == 0 {
			return "", fmt.Errorf("accounts response is empty")
		}
		return ids[0], nil
	}

	var objs []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &objs); err == nil {
		if len(objs) == 0 {
			return "", fmt.Errorf("accounts response is empty")
		}
		if id, ok := stringField(objs[0], accountIDKeys); ok {
			return id, nil
		}
		return "", &ShapeError{Payload: truncate(raw)}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		// Some gateway versions wrap the list: {"accounts": [...]}
		if inner, ok := obj["accounts"]; ok {
			return parseAccountID(inner)
		}
		if id, ok := stringField(obj, accountIDKeys); ok {
			return id, nil
		}
	}

	return "", &ShapeError{Payload: truncate(raw)}
}

var contractIDKeys = []string{"conid", "conId", "contractId"}

// parseContractID extracts the first contract id from a symbol search
// response.
func parseContractID(raw json.RawMessage) (int64, error) {
	var objs []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &objs); err == nil {
		if len(objs) == 0 {
			return 0, fmt.Errorf("no contracts found")
		}
		if id, ok := int64Field(objs[0], contractIDKeys); ok {
			return id, nil
		}
		return 0, &ShapeError{Payload: truncate(raw)}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		if id, ok := int64Field(obj, contractIDKeys); ok {
			return id, nil
		}
	}

	return 0, &ShapeError{Payload: truncate(raw)}
}

func stringField(obj map[string]json.RawMessage, keys []string) (string, bool) {
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s, true
		}
	}
	return "", false
}

func int64Field(obj map[string]json.RawMessage, keys []string) (int64, bool) {
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil {
			return n, true
		}
		// Ids occasionally arrive as strings.
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func truncate(raw json.RawMessage) string {
	const max = 200
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}

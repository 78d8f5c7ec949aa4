package chainnet

import "encoding/json"

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Every type passed through this package is a plain struct of
		// byte arrays, byte slices and uints; a marshal failure means a
		// programming error, not a runtime condition to recover from.
		panic(err)
	}
	return data
}

func parseJSON[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

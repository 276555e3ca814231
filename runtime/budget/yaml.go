package budget

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// LoadRateTable reads a YAML rate table. The document maps model identifiers
// to price schedules:
//
//	claude-sonnet-4-5:
//	  input_per_mtok: 3.0
//	  output_per_mtok: 15.0
//	  cache_read_per_mtok: 0.3
//	  cache_write_per_mtok: 3.75
func LoadRateTable(r io.Reader) (RateTable, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return RateTable{}, fmt.Errorf("budget: read rate table: %w", err)
	}
	var raw map[string]Rates
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return RateTable{}, fmt.Errorf("budget: parse rate table: %w", err)
	}
	if len(raw) == 0 {
		return RateTable{}, fmt.Errorf("budget: rate table is empty")
	}
	for id, rates := range raw {
		if rates.InputPerMTok < 0 || rates.OutputPerMTok < 0 ||
			rates.CacheReadPerMTok < 0 || rates.CacheWritePerMTok < 0 {
			return RateTable{}, fmt.Errorf("budget: negative rate for model %q", id)
		}
	}
	return NewRateTable(raw), nil
}

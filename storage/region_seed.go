package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jszwec/csvutil"

	"market-pipeline/models"
)

// RegionSeedRow is one line of an sd,sgg,emd seed file.
type RegionSeedRow struct {
	Province     string `csv:"sd"`
	District     string `csv:"sgg"`
	Neighborhood string `csv:"emd"`
}

// ParseRegionSeed decodes a CSV with an sd,sgg,emd header. Rows missing a
// level are skipped.
func ParseRegionSeed(r io.Reader) ([]models.RegionNames, error) {
	dec, err := csvutil.NewDecoder(csv.NewReader(r))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("region seed: create decoder: %w", err)
	}

	var out []models.RegionNames
	for {
		var row RegionSeedRow
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("region seed: decode line %d: %w", len(out)+2, err)
		}
		names := models.RegionNames{
			Province:     strings.TrimSpace(row.Province),
			District:     strings.TrimSpace(row.District),
			Neighborhood: strings.TrimSpace(row.Neighborhood),
		}
		if names.Complete() {
			out = append(out, names)
		}
	}
	return out, nil
}

// LoadRegionSeed parses r and ensures every region exists. It returns the
// number of rows applied.
func LoadRegionSeed(ctx context.Context, store RegionStore, r io.Reader) (int, error) {
	rows, err := ParseRegionSeed(r)
	if err != nil {
		return 0, err
	}
	for i, names := range rows {
		if _, err := store.EnsureRegion(ctx, names); err != nil {
			return i, fmt.Errorf("region seed: %+v: %w", names, err)
		}
	}
	return len(rows), nil
}

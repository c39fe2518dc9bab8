package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"market-pipeline/models"
)

// PostgresStore persists the pipeline's relational data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use PostgresStore.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	for i := 0; i < 10; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("postgres: ping: %w", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	ps := &PostgresStore{db: db}
	if err := ps.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return ps, nil
}

func (ps *PostgresStore) migrate(ctx context.Context) error {
	_, err := ps.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sd (
			sd_id SERIAL PRIMARY KEY,
			name  TEXT NOT NULL UNIQUE
		);
		CREATE TABLE IF NOT EXISTS sgg (
			sgg_id SERIAL PRIMARY KEY,
			sd_id  INT  NOT NULL REFERENCES sd(sd_id),
			name   TEXT NOT NULL,
			UNIQUE (sd_id, name)
		);
		CREATE TABLE IF NOT EXISTS emd (
			region_id BIGSERIAL PRIMARY KEY,
			sgg_id    INT  NOT NULL REFERENCES sgg(sgg_id),
			name      TEXT NOT NULL,
			UNIQUE (sgg_id, name)
		);

		CREATE TABLE IF NOT EXISTS category (
			category_id INT  PRIMARY KEY,
			name        TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS attributes (
			attribute_id SERIAL PRIMARY KEY,
			code         TEXT NOT NULL UNIQUE,
			label        TEXT NOT NULL DEFAULT '',
			data_type    TEXT NOT NULL CHECK (data_type IN ('text','int','decimal','bool','enum')),
			unit         TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS attribute_options (
			option_id    SERIAL PRIMARY KEY,
			attribute_id INT  NOT NULL REFERENCES attributes(attribute_id),
			value        TEXT NOT NULL,
			UNIQUE (attribute_id, value)
		);

		CREATE TABLE IF NOT EXISTS sku (
			sku_id      BIGSERIAL PRIMARY KEY,
			category_id INT      NOT NULL REFERENCES category(category_id),
			fingerprint CHAR(32) NOT NULL,
			spec_pairs  TEXT[]   NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (category_id, fingerprint)
		);
		CREATE INDEX IF NOT EXISTS idx_sku_spec_pairs ON sku USING GIN (spec_pairs);
		CREATE TABLE IF NOT EXISTS sku_attribute (
			sku_id       BIGINT NOT NULL REFERENCES sku(sku_id),
			attribute_id INT    NOT NULL REFERENCES attributes(attribute_id),
			value        TEXT   NOT NULL,
			PRIMARY KEY (sku_id, attribute_id)
		);

		CREATE TABLE IF NOT EXISTS items (
			item_id           BIGSERIAL PRIMARY KEY,
			source            VARCHAR(20) NOT NULL,
			external_id       TEXT        NOT NULL,
			category_id       INT         NOT NULL REFERENCES category(category_id),
			sku_id            BIGINT      REFERENCES sku(sku_id),
			region_id         BIGINT      REFERENCES emd(region_id),
			title             TEXT        NOT NULL DEFAULT '',
			price             INT,
			url               TEXT        NOT NULL,
			status            VARCHAR(10) NOT NULL DEFAULT 'active'
			                  CHECK (status IN ('active','reserved','sold','hidden')),
			posted_at         TIMESTAMPTZ,
			posted_updated_at TIMESTAMPTZ,
			last_crawled_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (source, external_id)
		);
		CREATE INDEX IF NOT EXISTS idx_items_sku_status ON items(sku_id, status);
		CREATE INDEX IF NOT EXISTS idx_items_region     ON items(region_id);
		CREATE TABLE IF NOT EXISTS item_attributes (
			item_id        BIGINT NOT NULL REFERENCES items(item_id) ON DELETE CASCADE,
			attribute_code TEXT   NOT NULL,
			value          TEXT   NOT NULL,
			PRIMARY KEY (item_id, attribute_code)
		);

		CREATE TABLE IF NOT EXISTS price_stats (
			sku_id     BIGINT        NOT NULL REFERENCES sku(sku_id),
			region_id  BIGINT        NOT NULL REFERENCES emd(region_id),
			bucket_ts  TIMESTAMPTZ   NOT NULL,
			items_num  INT           NOT NULL,
			sum_price  BIGINT        NOT NULL,
			avg_price  NUMERIC(14,2) NOT NULL,
			min_price  INT           NOT NULL,
			max_price  INT           NOT NULL,
			updated_at TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			PRIMARY KEY (sku_id, region_id, bucket_ts)
		);
	`)
	return err
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

// Ping reports whether the database is reachable.
func (ps *PostgresStore) Ping(ctx context.Context) error {
	return ps.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}

// UpsertListing writes the listing and its attributes in one transaction.
func (ps *PostgresStore) UpsertListing(ctx context.Context, l *models.Listing) (models.UpsertResult, error) {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return models.UpsertResult{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res models.UpsertResult
	err = tx.QueryRowContext(ctx, `
		INSERT INTO items (source, external_id, category_id, region_id, title, price, url, status,
		                   posted_at, posted_updated_at, last_crawled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (source, external_id) DO UPDATE SET
			title             = EXCLUDED.title,
			price             = EXCLUDED.price,
			url               = EXCLUDED.url,
			status            = EXCLUDED.status,
			sku_id            = CASE WHEN items.category_id = EXCLUDED.category_id THEN items.sku_id END,
			category_id       = EXCLUDED.category_id,
			region_id         = COALESCE(EXCLUDED.region_id, items.region_id),
			posted_at         = COALESCE(items.posted_at, EXCLUDED.posted_at),
			posted_updated_at = COALESCE(EXCLUDED.posted_updated_at, items.posted_updated_at),
			last_crawled_at   = EXCLUDED.last_crawled_at,
			updated_at        = NOW()
		RETURNING item_id, (xmax = 0)
	`,
		string(l.Source), l.ExternalID, l.CategoryID, nullInt64(l.RegionID), l.Title, nullInt(l.Price),
		l.URL, string(l.Status), nullTime(l.PostedAt), nullTime(l.PostedUpdatedAt), l.LastCrawledAt.UTC(),
	).Scan(&res.ID, &res.Created)
	if err != nil {
		return models.UpsertResult{}, fmt.Errorf("postgres: upsert listing %s/%s: %w", l.Source, l.ExternalID, err)
	}

	if len(l.Attributes) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM item_attributes WHERE item_id = $1`, res.ID); err != nil {
			return models.UpsertResult{}, fmt.Errorf("postgres: clear item attributes: %w", err)
		}
		for code, value := range l.Attributes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO item_attributes (item_id, attribute_code, value) VALUES ($1,$2,$3)`,
				res.ID, code, value); err != nil {
				return models.UpsertResult{}, fmt.Errorf("postgres: insert item attribute %q: %w", code, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return models.UpsertResult{}, fmt.Errorf("postgres: commit listing: %w", err)
	}
	return res, nil
}

func (ps *PostgresStore) SeenExternalIDs(ctx context.Context, source models.Source) ([]string, error) {
	rows, err := ps.db.QueryContext(ctx,
		`SELECT external_id FROM items WHERE source = $1 ORDER BY external_id`, string(source))
	if err != nil {
		return nil, fmt.Errorf("postgres: seen ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan seen id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (ps *PostgresStore) ListUnmapped(ctx context.Context, afterID int64, limit int) ([]models.Listing, error) {
	query := `
		SELECT i.item_id, i.source, i.external_id, i.category_id, i.region_id, i.title, i.price,
		       i.url, i.status, i.created_at
		FROM items i
		WHERE i.sku_id IS NULL
		  AND i.item_id > $1
		  AND EXISTS (SELECT 1 FROM item_attributes ia WHERE ia.item_id = i.item_id)
		ORDER BY i.item_id`
	args := []any{afterID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := ps.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unmapped: %w", err)
	}
	defer rows.Close()

	var listings []models.Listing
	index := make(map[int64]int)
	var ids []int64
	for rows.Next() {
		var (
			l        models.Listing
			source   string
			status   string
			regionID sql.NullInt64
			price    sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &source, &l.ExternalID, &l.CategoryID, &regionID, &l.Title, &price,
			&l.URL, &status, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan unmapped: %w", err)
		}
		l.Source = models.Source(source)
		l.Status = models.Status(status)
		if regionID.Valid {
			v := regionID.Int64
			l.RegionID = &v
		}
		if price.Valid {
			v := int(price.Int64)
			l.Price = &v
		}
		l.Attributes = make(map[string]string)
		index[l.ID] = len(listings)
		ids = append(ids, l.ID)
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	attrRows, err := ps.db.QueryContext(ctx,
		`SELECT item_id, attribute_code, value FROM item_attributes WHERE item_id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("postgres: load item attributes: %w", err)
	}
	defer attrRows.Close()
	for attrRows.Next() {
		var (
			id          int64
			code, value string
		)
		if err := attrRows.Scan(&id, &code, &value); err != nil {
			return nil, fmt.Errorf("postgres: scan item attribute: %w", err)
		}
		listings[index[id]].Attributes[code] = value
	}
	return listings, attrRows.Err()
}

func (ps *PostgresStore) SetListingSKU(ctx context.Context, listingID, skuID int64) error {
	_, err := ps.db.ExecContext(ctx,
		`UPDATE items SET sku_id = $2, updated_at = NOW() WHERE item_id = $1`, listingID, skuID)
	if err != nil {
		return fmt.Errorf("postgres: set sku of item %d: %w", listingID, err)
	}
	return nil
}

func (ps *PostgresStore) ActivePricedListings(ctx context.Context) ([]models.PricedListing, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT sku_id, region_id, price, created_at
		FROM items
		WHERE status = 'active' AND sku_id IS NOT NULL AND region_id IS NOT NULL AND price IS NOT NULL
		ORDER BY item_id
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: active listings: %w", err)
	}
	defer rows.Close()

	var out []models.PricedListing
	for rows.Next() {
		var p models.PricedListing
		if err := rows.Scan(&p.SKUID, &p.RegionID, &p.Price, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan active listing: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) FindRegion(ctx context.Context, names models.RegionNames) (*models.Region, error) {
	if names.Neighborhood == "" {
		return nil, models.ErrRegionNotFound
	}
	var r models.Region
	err := ps.db.QueryRowContext(ctx, `
		SELECT emd.region_id, sd.name, sgg.name, emd.name
		FROM emd
		JOIN sgg ON emd.sgg_id = sgg.sgg_id
		JOIN sd  ON sgg.sd_id  = sd.sd_id
		WHERE LOWER(emd.name) = LOWER($1)
		  AND ($2::TEXT = '' OR LOWER(sgg.name) = LOWER($2))
		  AND ($3::TEXT = '' OR LOWER(sd.name)  = LOWER($3))
		ORDER BY emd.region_id
		LIMIT 1
	`, names.Neighborhood, names.District, names.Province).Scan(&r.ID, &r.Province, &r.District, &r.Neighborhood)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRegionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find region: %w", err)
	}
	return &r, nil
}

// EnsureRegion creates the three levels as needed. Concurrent creators
// converge through the sibling-unique constraints.
func (ps *PostgresStore) EnsureRegion(ctx context.Context, names models.RegionNames) (int64, error) {
	if !names.Complete() {
		return 0, fmt.Errorf("postgres: region %+v is incomplete", names)
	}
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sdID, sggID int
	var regionID int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO sd (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING sd_id`, names.Province).Scan(&sdID); err != nil {
		return 0, fmt.Errorf("postgres: ensure sd: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO sgg (sd_id, name) VALUES ($1, $2)
		ON CONFLICT (sd_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING sgg_id`, sdID, names.District).Scan(&sggID); err != nil {
		return 0, fmt.Errorf("postgres: ensure sgg: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO emd (sgg_id, name) VALUES ($1, $2)
		ON CONFLICT (sgg_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING region_id`, sggID, names.Neighborhood).Scan(&regionID); err != nil {
		return 0, fmt.Errorf("postgres: ensure emd: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("postgres: commit region: %w", err)
	}
	return regionID, nil
}

func (ps *PostgresStore) SeedCatalog(ctx context.Context, categories []models.Category, attrs []AttributeSeed) error {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range categories {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO category (category_id, name) VALUES ($1, $2)
			ON CONFLICT (category_id) DO UPDATE SET name = EXCLUDED.name`, c.ID, c.Name); err != nil {
			return fmt.Errorf("postgres: seed category %d: %w", c.ID, err)
		}
	}
	for _, seed := range attrs {
		a := seed.Attribute
		var id int
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO attributes (code, label, data_type, unit) VALUES ($1, $2, $3, $4)
			ON CONFLICT (code) DO UPDATE
				SET label = EXCLUDED.label, data_type = EXCLUDED.data_type, unit = EXCLUDED.unit
			RETURNING attribute_id`, a.Code, a.Label, string(a.DataType), a.Unit).Scan(&id); err != nil {
			return fmt.Errorf("postgres: seed attribute %q: %w", a.Code, err)
		}
		for _, v := range seed.Options {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attribute_options (attribute_id, value) VALUES ($1, $2)
				ON CONFLICT (attribute_id, value) DO NOTHING`, id, v); err != nil {
				return fmt.Errorf("postgres: seed option %s=%q: %w", a.Code, v, err)
			}
		}
	}
	return tx.Commit()
}

func (ps *PostgresStore) Attributes(ctx context.Context) ([]models.Attribute, error) {
	rows, err := ps.db.QueryContext(ctx,
		`SELECT attribute_id, code, label, data_type, unit FROM attributes ORDER BY attribute_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: attributes: %w", err)
	}
	defer rows.Close()

	var out []models.Attribute
	for rows.Next() {
		var a models.Attribute
		var dt string
		if err := rows.Scan(&a.ID, &a.Code, &a.Label, &dt, &a.Unit); err != nil {
			return nil, fmt.Errorf("postgres: scan attribute: %w", err)
		}
		a.DataType = models.AttributeDataType(dt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) Options(ctx context.Context, attributeID int) ([]models.AttributeOption, error) {
	rows, err := ps.db.QueryContext(ctx,
		`SELECT option_id, attribute_id, value FROM attribute_options WHERE attribute_id = $1 ORDER BY option_id`,
		attributeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: options: %w", err)
	}
	defer rows.Close()

	var out []models.AttributeOption
	for rows.Next() {
		var o models.AttributeOption
		if err := rows.Scan(&o.ID, &o.AttributeID, &o.Value); err != nil {
			return nil, fmt.Errorf("postgres: scan option: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) FindOption(ctx context.Context, code, value string) (*models.AttributeOption, error) {
	var o models.AttributeOption
	err := ps.db.QueryRowContext(ctx, `
		SELECT ao.option_id, ao.attribute_id, ao.value
		FROM attributes a
		JOIN attribute_options ao ON ao.attribute_id = a.attribute_id
		WHERE LOWER(a.code) = LOWER($1) AND LOWER(ao.value) = LOWER($2)
		ORDER BY ao.option_id
		LIMIT 1
	`, code, value).Scan(&o.ID, &o.AttributeID, &o.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrOptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find option: %w", err)
	}
	return &o, nil
}

func (ps *PostgresStore) FindSKU(ctx context.Context, categoryID int, fingerprint string) (*models.SKU, error) {
	var s models.SKU
	err := ps.db.QueryRowContext(ctx, `
		SELECT sku_id, category_id, fingerprint, spec_pairs, created_at
		FROM sku WHERE category_id = $1 AND fingerprint = $2
	`, categoryID, fingerprint).Scan(&s.ID, &s.CategoryID, &s.Fingerprint, pq.Array(&s.SpecPairs), &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find sku: %w", err)
	}
	return &s, nil
}

func (ps *PostgresStore) InsertSKU(ctx context.Context, sku *models.SKU) (int64, error) {
	var id int64
	err := ps.db.QueryRowContext(ctx, `
		INSERT INTO sku (category_id, fingerprint, spec_pairs) VALUES ($1, $2, $3)
		RETURNING sku_id
	`, sku.CategoryID, sku.Fingerprint, pq.Array(sku.SpecPairs)).Scan(&id)
	if isUniqueViolation(err) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: insert sku: %w", err)
	}
	return id, nil
}

func (ps *PostgresStore) InsertSKUAttributes(ctx context.Context, skuID int64, attrs map[string]string) error {
	for code, value := range attrs {
		// Codes outside the schema match no attribute row and insert nothing.
		_, err := ps.db.ExecContext(ctx, `
			INSERT INTO sku_attribute (sku_id, attribute_id, value)
			SELECT $1, attribute_id, $3 FROM attributes WHERE code = $2
			ON CONFLICT (sku_id, attribute_id) DO NOTHING
		`, skuID, code, value)
		if err != nil {
			return fmt.Errorf("postgres: insert sku attribute %q: %w", code, err)
		}
	}
	return nil
}

func (ps *PostgresStore) FindSKUsContaining(ctx context.Context, categoryID int, pairs []string) ([]int64, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT sku_id FROM sku
		WHERE category_id = $1 AND spec_pairs @> $2
		ORDER BY sku_id
	`, categoryID, pq.Array(pairs))
	if err != nil {
		return nil, fmt.Errorf("postgres: find skus: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan sku id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (ps *PostgresStore) UpsertStats(ctx context.Context, s models.PriceStats) error {
	_, err := ps.db.ExecContext(ctx, `
		INSERT INTO price_stats (sku_id, region_id, bucket_ts, items_num, sum_price, avg_price, min_price, max_price)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (sku_id, region_id, bucket_ts) DO UPDATE SET
			items_num  = EXCLUDED.items_num,
			sum_price  = EXCLUDED.sum_price,
			avg_price  = EXCLUDED.avg_price,
			min_price  = EXCLUDED.min_price,
			max_price  = EXCLUDED.max_price,
			updated_at = NOW()
	`, s.SKUID, s.RegionID, s.BucketTS.UTC(), s.ItemsNum, s.SumPrice, s.AvgPrice, s.MinPrice, s.MaxPrice)
	if err != nil {
		return fmt.Errorf("postgres: upsert stats: %w", err)
	}
	return nil
}

// scopeSQL filters on the region joined as emd/sgg/sd, with parameters
// starting at n.
func scopeSQL(n int) string {
	return fmt.Sprintf(`
		AND ($%d::BIGINT IS NULL OR emd.region_id = $%d)
		AND ($%d::TEXT = '' OR LOWER(sd.name)  = LOWER($%d))
		AND ($%d::TEXT = '' OR LOWER(sgg.name) = LOWER($%d))`, n, n, n+1, n+1, n+2, n+2)
}

func scopeArgs(scope RegionScope) []any {
	return []any{nullInt64(scope.RegionID), scope.Province, scope.District}
}

func (ps *PostgresStore) LatestStats(ctx context.Context, skuIDs []int64, scope RegionScope) ([]models.RegionStats, error) {
	query := `
		WITH latest AS (
			SELECT sku_id, region_id, MAX(bucket_ts) AS bucket_ts
			FROM price_stats
			WHERE sku_id = ANY($1)
			GROUP BY sku_id, region_id
		)
		SELECT ps.sku_id, ps.region_id, ps.bucket_ts, ps.items_num, ps.sum_price, ps.avg_price,
		       ps.min_price, ps.max_price, sd.name, sgg.name, emd.name
		FROM price_stats ps
		JOIN latest l ON ps.sku_id = l.sku_id AND ps.region_id = l.region_id AND ps.bucket_ts = l.bucket_ts
		JOIN emd ON emd.region_id = ps.region_id
		JOIN sgg ON emd.sgg_id = sgg.sgg_id
		JOIN sd  ON sgg.sd_id  = sd.sd_id
		WHERE TRUE` + scopeSQL(2) + `
		ORDER BY ps.sku_id, ps.region_id`
	args := append([]any{pq.Array(skuIDs)}, scopeArgs(scope)...)

	rows, err := ps.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: latest stats: %w", err)
	}
	defer rows.Close()

	var out []models.RegionStats
	for rows.Next() {
		var s models.RegionStats
		if err := rows.Scan(&s.SKUID, &s.RegionID, &s.BucketTS, &s.ItemsNum, &s.SumPrice, &s.AvgPrice,
			&s.MinPrice, &s.MaxPrice, &s.Region.Province, &s.Region.District, &s.Region.Neighborhood); err != nil {
			return nil, fmt.Errorf("postgres: scan latest stats: %w", err)
		}
		s.BucketTS = s.BucketTS.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) StatsSince(ctx context.Context, skuIDs []int64, scope RegionScope, since time.Time) ([]models.PriceStats, error) {
	query := `
		SELECT ps.sku_id, ps.region_id, ps.bucket_ts, ps.items_num, ps.sum_price, ps.avg_price,
		       ps.min_price, ps.max_price
		FROM price_stats ps
		JOIN emd ON emd.region_id = ps.region_id
		JOIN sgg ON emd.sgg_id = sgg.sgg_id
		JOIN sd  ON sgg.sd_id  = sd.sd_id
		WHERE ps.sku_id = ANY($1) AND ps.bucket_ts >= $2` + scopeSQL(3) + `
		ORDER BY ps.sku_id, ps.region_id, ps.bucket_ts`
	args := append([]any{pq.Array(skuIDs), since.UTC()}, scopeArgs(scope)...)

	rows, err := ps.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: stats since: %w", err)
	}
	defer rows.Close()

	var out []models.PriceStats
	for rows.Next() {
		var s models.PriceStats
		if err := rows.Scan(&s.SKUID, &s.RegionID, &s.BucketTS, &s.ItemsNum, &s.SumPrice, &s.AvgPrice,
			&s.MinPrice, &s.MaxPrice); err != nil {
			return nil, fmt.Errorf("postgres: scan stats: %w", err)
		}
		s.BucketTS = s.BucketTS.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) LowestListings(ctx context.Context, skuIDs []int64, scope RegionScope, limit int) ([]models.ListingView, error) {
	query := `
		SELECT i.price, sgg.name, emd.name, i.source, i.url
		FROM items i
		JOIN emd ON i.region_id = emd.region_id
		JOIN sgg ON emd.sgg_id = sgg.sgg_id
		JOIN sd  ON sgg.sd_id  = sd.sd_id
		WHERE i.sku_id = ANY($1) AND i.status = 'active' AND i.price IS NOT NULL` + scopeSQL(2) + `
		ORDER BY i.price ASC, i.item_id
		LIMIT $5`
	if limit <= 0 {
		limit = 70
	}
	args := append([]any{pq.Array(skuIDs)}, scopeArgs(scope)...)
	args = append(args, limit)

	rows, err := ps.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: lowest listings: %w", err)
	}
	defer rows.Close()

	var out []models.ListingView
	for rows.Next() {
		var v models.ListingView
		var source string
		if err := rows.Scan(&v.Price, &v.District, &v.Neighborhood, &source, &v.URL); err != nil {
			return nil, fmt.Errorf("postgres: scan listing view: %w", err)
		}
		v.Source = models.Source(source)
		out = append(out, v)
	}
	return out, rows.Err()
}

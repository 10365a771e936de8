package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func paginationFromQuery(t *testing.T, query string) PaginationParams {
	t.Helper()

	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(ParsePagination(c))
	})

	path := "/"
	if query != "" {
		path = "/?" + query
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	if err != nil {
		t.Fatalf("request failed for query %q: %v", query, err)
	}
	defer resp.Body.Close()

	var params PaginationParams
	if err := json.NewDecoder(resp.Body).Decode(&params); err != nil {
		t.Fatalf("failed decoding pagination for query %q: %v", query, err)
	}
	return params
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		page   int
		limit  int
		offset int
	}{
		{"defaults", "", 1, 20, 0},
		{"explicit values", "page=3&limit=25", 3, 25, 50},
		{"page below one clamps", "page=-2&limit=10", 1, 10, 0},
		{"non-numeric page clamps", "page=first&limit=10", 1, 10, 0},
		{"limit below one falls back", "page=2&limit=0", 2, 20, 20},
		{"limit above cap clamps", "limit=9999", 1, 100, 0},
		{"non-numeric limit falls back", "page=2&limit=lots", 2, 20, 20},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := paginationFromQuery(t, tc.query)
			if got.Page != tc.page || got.Limit != tc.limit || got.Offset != tc.offset {
				t.Fatalf("query %q: got page=%d limit=%d offset=%d, want page=%d limit=%d offset=%d",
					tc.query, got.Page, got.Limit, got.Offset, tc.page, tc.limit, tc.offset)
			}
		})
	}
}

func TestApplyPagination(t *testing.T) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=127.0.0.1 user=test password=test dbname=test port=5432 sslmode=disable",
	}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
	})
	if err != nil {
		t.Fatalf("failed creating dry-run gorm db: %v", err)
	}

	params := PaginationParams{Page: 2, Limit: 50, Offset: 50}
	scoped := ApplyPagination(db.Table("users"), params)

	limitClause, ok := scoped.Statement.Clauses["LIMIT"]
	if !ok {
		t.Fatal("expected a LIMIT clause")
	}
	limitExpr, ok := limitClause.Expression.(clause.Limit)
	if !ok {
		t.Fatalf("unexpected LIMIT expression type %T", limitClause.Expression)
	}
	if limitExpr.Limit == nil || *limitExpr.Limit != params.Limit {
		t.Fatalf("expected limit %d, got %v", params.Limit, limitExpr.Limit)
	}
	if limitExpr.Offset != params.Offset {
		t.Fatalf("expected offset %d, got %d", params.Offset, limitExpr.Offset)
	}
}

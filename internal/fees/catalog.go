package fees

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Assignment is the catalog lookup key of a student.
type Assignment struct {
	SchoolID       int64
	ClassID        int64
	CategoryHeadID int64
	RouteID        int64
}

// Missing names the unset fields, in a stable order.
func (a Assignment) Missing() []string {
	var missing []string
	if a.SchoolID == 0 {
		missing = append(missing, "school")
	}
	if a.ClassID == 0 {
		missing = append(missing, "class")
	}
	if a.CategoryHeadID == 0 {
		missing = append(missing, "category head")
	}
	if a.RouteID == 0 {
		missing = append(missing, "route")
	}
	return missing
}

// FeeStructureFilter selects fee structures.
type FeeStructureFilter struct {
	SchoolID       int64
	ClassID        int64
	CategoryHeadID int64
	Status         string
}

// RoutePriceFilter selects route prices.
type RoutePriceFilter struct {
	SchoolID       int64
	RouteID        int64
	ClassID        int64
	CategoryHeadID int64
}

// CatalogSource is the read side of the fee catalog.
type CatalogSource interface {
	ListFeeStructures(ctx context.Context, filter FeeStructureFilter) ([]FeeStructure, error)
	GetFeeCategory(ctx context.Context, id int64) (FeeCategory, error)
	ListRoutePrices(ctx context.Context, filter RoutePriceFilter) ([]RoutePrice, error)
}

const categoryFetchLimit = 4

// CatalogResolver loads the fee structures and route price that apply to an
// assignment.
type CatalogResolver struct {
	source CatalogSource
	logger *slog.Logger
}

// NewCatalogResolver wires a resolver.
func NewCatalogResolver(source CatalogSource, logger *slog.Logger) *CatalogResolver {
	return &CatalogResolver{source: source, logger: logger}
}

// Resolve fetches active fee structures and the best route price
// concurrently. An empty structure list is returned as is. A failed route
// lookup only drops the transport line.
func (r *CatalogResolver) Resolve(ctx context.Context, a Assignment) (Catalog, error) {
	if missing := a.Missing(); len(missing) > 0 {
		return Catalog{}, &PreconditionError{Missing: missing}
	}

	var catalog Catalog
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		structures, err := r.resolveStructures(ctx, a)
		if err != nil {
			return err
		}
		catalog.Structures = structures
		return nil
	})

	g.Go(func() error {
		catalog.Transport = r.resolveTransport(ctx, a)
		return nil
	})

	if err := g.Wait(); err != nil {
		return Catalog{}, err
	}
	return catalog, nil
}

func (r *CatalogResolver) resolveStructures(ctx context.Context, a Assignment) ([]ResolvedFee, error) {
	rows, err := r.source.ListFeeStructures(ctx, FeeStructureFilter{
		SchoolID:       a.SchoolID,
		ClassID:        a.ClassID,
		CategoryHeadID: a.CategoryHeadID,
		Status:         StatusActive,
	})
	if err != nil {
		return nil, fmt.Errorf("fees: list fee structures: %w", err)
	}

	active := make([]FeeStructure, 0, len(rows))
	categoryIDs := make([]int64, 0, len(rows))
	seen := make(map[int64]struct{})
	for _, row := range rows {
		if row.Status != "" && row.Status != StatusActive {
			continue
		}
		active = append(active, row)
		if row.FeeCategoryID == 0 {
			continue
		}
		if _, ok := seen[row.FeeCategoryID]; !ok {
			seen[row.FeeCategoryID] = struct{}{}
			categoryIDs = append(categoryIDs, row.FeeCategoryID)
		}
	}

	months, err := r.categoryMonths(ctx, categoryIDs)
	if err != nil {
		return nil, err
	}

	resolved := make([]ResolvedFee, 0, len(active))
	for _, row := range active {
		set, ok := months[row.FeeCategoryID]
		if !ok {
			set = AllMonths
		}
		resolved = append(resolved, ResolvedFee{FeeStructure: row, Months: set})
	}
	return resolved, nil
}

func (r *CatalogResolver) categoryMonths(ctx context.Context, ids []int64) (map[int64]MonthSet, error) {
	out := make(map[int64]MonthSet, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(categoryFetchLimit)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			category, err := r.source.GetFeeCategory(ctx, id)
			if err != nil {
				return fmt.Errorf("fees: fee category %d: %w", id, err)
			}
			mu.Lock()
			out[id] = NewMonthSet(category.ApplicableMonths...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *CatalogResolver) resolveTransport(ctx context.Context, a Assignment) *ResolvedTransport {
	logger := r.log().With(slog.Int64("route_id", a.RouteID), slog.Int64("class_id", a.ClassID))
	prices, err := r.source.ListRoutePrices(ctx, RoutePriceFilter{
		SchoolID:       a.SchoolID,
		RouteID:        a.RouteID,
		ClassID:        a.ClassID,
		CategoryHeadID: a.CategoryHeadID,
	})
	if err != nil {
		logger.Warn("route price lookup failed, skipping transport", slog.Any("error", err))
		return nil
	}
	price, ok := PickRoutePrice(prices, a)
	if !ok {
		return nil
	}

	transport := &ResolvedTransport{RoutePrice: price, Months: AllMonths}
	if price.FeeCategoryID == 0 {
		return transport
	}
	category, err := r.source.GetFeeCategory(ctx, price.FeeCategoryID)
	if err != nil {
		logger.Warn("transport fee category unresolved, billing all months",
			slog.Int64("fee_category_id", price.FeeCategoryID), slog.Any("error", err))
		return transport
	}
	transport.Months = NewMonthSet(category.ApplicableMonths...)
	return transport
}

// PickRoutePrice prefers an exact (route, class, category head) match, then
// a class-agnostic price for the route, then the first row.
func PickRoutePrice(prices []RoutePrice, a Assignment) (RoutePrice, bool) {
	if len(prices) == 0 {
		return RoutePrice{}, false
	}
	for _, p := range prices {
		if p.RouteID == a.RouteID && p.ClassID == a.ClassID && p.CategoryHeadID == a.CategoryHeadID {
			return p, true
		}
	}
	for _, p := range prices {
		if p.RouteID == a.RouteID && p.ClassID == 0 {
			return p, true
		}
	}
	return prices[0], true
}

func (r *CatalogResolver) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

package document_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cloudkit/document"
	"github.com/c360/cloudkit/errors"
)

type product struct {
	Name     string         `json:"name"`
	Price    float64        `json:"price"`
	Category string         `json:"category,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Stock    map[string]int `json:"stock,omitempty"`
}

func seedProducts(t *testing.T) *document.Collection[product] {
	t.Helper()
	f, _ := newFacade(t, document.WithQueryConcurrency(2))
	products := document.NewCollection[product](f, "products")

	items := map[string]product{
		"apple":  {Name: "Apple", Price: 1.5, Category: "fruit", Tags: []string{"red", "sweet"}, Stock: map[string]int{"oslo": 10}},
		"banana": {Name: "Banana", Price: 0.5, Category: "fruit", Tags: []string{"yellow", "sweet"}, Stock: map[string]int{"oslo": 0}},
		"carrot": {Name: "Carrot", Price: 0.8, Category: "vegetable", Tags: []string{"orange"}},
		"durian": {Name: "Durian", Price: 12, Category: "fruit"},
		"eraser": {Name: "Eraser", Price: 2},
	}
	for id, p := range items {
		_, err := products.Set(context.Background(), id, p)
		require.NoError(t, err)
	}
	return products
}

func ids[T any](records []document.Record[T]) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestQuery_Operators(t *testing.T) {
	products := seedProducts(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		where []document.Constraint
		want  []string
	}{
		{
			name:  "equal",
			where: []document.Constraint{document.Where("category", document.OpEqual, "fruit")},
			want:  []string{"apple", "banana", "durian"},
		},
		{
			name:  "not equal skips missing field",
			where: []document.Constraint{document.Where("category", document.OpNotEqual, "fruit")},
			want:  []string{"carrot"},
		},
		{
			name:  "less",
			where: []document.Constraint{document.Where("price", document.OpLess, 1)},
			want:  []string{"banana", "carrot"},
		},
		{
			name:  "less or equal",
			where: []document.Constraint{document.Where("price", document.OpLessEqual, 1.5)},
			want:  []string{"apple", "banana", "carrot"},
		},
		{
			name:  "greater",
			where: []document.Constraint{document.Where("price", document.OpGreater, 2)},
			want:  []string{"durian"},
		},
		{
			name:  "greater or equal",
			where: []document.Constraint{document.Where("price", document.OpGreaterEqual, 2)},
			want:  []string{"durian", "eraser"},
		},
		{
			name:  "in",
			where: []document.Constraint{document.Where("category", document.OpIn, []string{"vegetable", "meat"})},
			want:  []string{"carrot"},
		},
		{
			name:  "not in",
			where: []document.Constraint{document.Where("category", document.OpNotIn, []string{"fruit"})},
			want:  []string{"carrot"},
		},
		{
			name:  "array contains",
			where: []document.Constraint{document.Where("tags", document.OpArrayContains, "sweet")},
			want:  []string{"apple", "banana"},
		},
		{
			name:  "array contains any",
			where: []document.Constraint{document.Where("tags", document.OpArrayContainsAny, []string{"orange", "red"})},
			want:  []string{"apple", "carrot"},
		},
		{
			name:  "nested field",
			where: []document.Constraint{document.Where("stock.oslo", document.OpGreater, 0)},
			want:  []string{"apple"},
		},
		{
			name: "conjunction",
			where: []document.Constraint{
				document.Where("category", document.OpEqual, "fruit"),
				document.Where("price", document.OpLess, 10),
			},
			want: []string{"apple", "banana"},
		},
		{
			name:  "document id",
			where: []document.Constraint{document.Where(document.IDField, document.OpIn, []string{"eraser", "ghost"})},
			want:  []string{"eraser"},
		},
		{
			name:  "type mismatch does not match",
			where: []document.Constraint{document.Where("price", document.OpGreater, "1")},
			want:  []string{},
		},
		{
			name:  "no match",
			where: []document.Constraint{document.Where("category", document.OpEqual, "toy")},
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := products.Query(ctx, tt.where...)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestQuery_OrderAndLimit(t *testing.T) {
	products := seedProducts(t)
	ctx := context.Background()

	got, err := products.Query(ctx, document.OrderBy("price", document.Desc))
	require.NoError(t, err)
	assert.Equal(t, []string{"durian", "eraser", "apple", "carrot", "banana"}, ids(got))

	got, err = products.Query(ctx,
		document.Where("category", document.OpEqual, "fruit"),
		document.OrderBy("price", document.Asc),
		document.Limit(2),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"banana", "apple"}, ids(got))
	assert.Equal(t, "Banana", got[0].Data.Name)
	assert.NotZero(t, got[0].Revision)

	// Documents without the ordering field are left out
	got, err = products.Query(ctx, document.OrderBy("category", document.Asc), document.OrderBy("name", document.Desc))
	require.NoError(t, err)
	assert.Equal(t, []string{"durian", "banana", "apple", "carrot"}, ids(got))

	got, err = products.Query(ctx, document.OrderBy(document.IDField, document.Desc), document.Limit(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"eraser"}, ids(got))
}

func TestQuery_Invalid(t *testing.T) {
	products := seedProducts(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		constraint document.Constraint
	}{
		{"unknown operator", document.Where("price", document.Op("~="), 1)},
		{"in without list", document.Where("category", document.OpIn, "fruit")},
		{"empty path segment", document.Where("stock..oslo", document.OpEqual, 1)},
		{"zero limit", document.Limit(0)},
		{"negative limit", document.Limit(-1)},
		{"bad order path", document.OrderBy(".price", document.Asc)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := products.Query(ctx, tt.constraint)
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))
			assert.Equal(t, errors.KindDocument, errors.KindOf(err))
		})
	}
}

func TestQuery_EmptyCollection(t *testing.T) {
	f, _ := newFacade(t)
	empty := document.NewCollection[product](f, "empty")

	got, err := empty.Query(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQuery_StoreFailure(t *testing.T) {
	f, store := newFacade(t)
	products := document.NewCollection[product](f, "products")
	_, err := products.Set(context.Background(), "p", product{Name: "P"})
	require.NoError(t, err)

	store("products").FailOn("Get", fmt.Errorf("read failed"))
	_, err = products.Query(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindDocument, errors.KindOf(err))
	assert.Contains(t, err.Error(), "read failed")
}

func TestConstraint_String(t *testing.T) {
	assert.Equal(t, "where price > 3", document.Where("price", document.OpGreater, 3).String())
	assert.Equal(t, "order by name desc", document.OrderBy("name", document.Desc).String())
	assert.Equal(t, "limit 5", document.Limit(5).String())
}

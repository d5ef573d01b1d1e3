package database

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// MaxSeedCount bounds a single dummy data request.
const MaxSeedCount = 10000

// ErrInvalidSeed is returned for an unknown kind or an out of range count.
var ErrInvalidSeed = errors.New("invalid dummy data request")

// Seed kinds.
const (
	SeedUsers    = "users"
	SeedProducts = "products"
	SeedOrders   = "orders"
	SeedGeneric  = "generic"
)

var (
	firstNames = []string{"Alice", "Bob", "Carol", "Dave", "Erin", "Frank", "Grace", "Heidi", "Ivan", "Judy"}
	lastNames  = []string{"Kim", "Lee", "Park", "Smith", "Jones", "Brown", "Garcia", "Martin", "Khan", "Rossi"}
	cities     = []string{"Seoul", "Busan", "Berlin", "Paris", "Lisbon", "Toronto", "Austin", "Osaka"}
	categories = []string{"electronics", "books", "clothing", "garden", "toys", "grocery", "sports"}
	adjectives = []string{"Compact", "Deluxe", "Eco", "Smart", "Classic", "Ultra", "Mini"}
	nouns      = []string{"Lamp", "Chair", "Backpack", "Speaker", "Mug", "Notebook", "Kettle"}
	statuses   = []string{"pending", "paid", "shipped", "delivered", "cancelled"}
)

// GenerateDocuments builds count documents of kind. An empty kind
// produces generic documents.
func GenerateDocuments(kind string, count int, rng *rand.Rand, now time.Time) ([]any, error) {
	if count < 1 || count > MaxSeedCount {
		return nil, fmt.Errorf("%w: count must be between 1 and %d, got %d", ErrInvalidSeed, MaxSeedCount, count)
	}
	var gen func(i int) bson.M
	switch kind {
	case SeedUsers:
		gen = func(i int) bson.M {
			first, last := pick(rng, firstNames), pick(rng, lastNames)
			return bson.M{
				"name":      first + " " + last,
				"email":     fmt.Sprintf("%s.%s%d@example.com", strings.ToLower(first), strings.ToLower(last), i),
				"age":       18 + rng.IntN(60),
				"city":      pick(rng, cities),
				"active":    rng.IntN(4) != 0,
				"createdAt": randomPast(rng, now),
			}
		}
	case SeedProducts:
		gen = func(i int) bson.M {
			return bson.M{
				"sku":       fmt.Sprintf("SKU-%06d", i+1),
				"name":      pick(rng, adjectives) + " " + pick(rng, nouns),
				"category":  pick(rng, categories),
				"price":     float64(100+rng.IntN(99900)) / 100,
				"stock":     rng.IntN(500),
				"createdAt": randomPast(rng, now),
			}
		}
	case SeedOrders:
		gen = func(i int) bson.M {
			qty := 1 + rng.IntN(5)
			unit := float64(100+rng.IntN(19900)) / 100
			return bson.M{
				"orderNumber": fmt.Sprintf("ORD-%08d", i+1),
				"customer":    pick(rng, firstNames) + " " + pick(rng, lastNames),
				"quantity":    qty,
				"total":       float64(int(unit*float64(qty)*100)) / 100,
				"status":      pick(rng, statuses),
				"orderedAt":   randomPast(rng, now),
			}
		}
	case SeedGeneric, "", "default":
		gen = func(i int) bson.M {
			return bson.M{
				"index":     i,
				"value":     rng.Float64(),
				"tag":       pick(rng, categories),
				"createdAt": now,
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSeed, kind)
	}

	docs := make([]any, count)
	for i := range docs {
		docs[i] = gen(i)
	}
	return docs, nil
}

func pick(rng *rand.Rand, from []string) string {
	return from[rng.IntN(len(from))]
}

func randomPast(rng *rand.Rand, now time.Time) time.Time {
	return now.Add(-time.Duration(rng.IntN(365*24)) * time.Hour).UTC()
}


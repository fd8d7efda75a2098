package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/checkout/internal/domain"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
)

// ProductRepository reads products from the catalog collection.
type ProductRepository struct {
	base *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		base: pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil),
	}, nil
}

// FindByID loads the product. Inactive products are reported as not found.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	id := strings.TrimSpace(productID)
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if !doc.Active {
		return domain.Product{}, pfirestore.NotFound("products.get", "product "+id)
	}
	return decodeProduct(id, doc), nil
}

// CouponRepository reads discount codes.
type CouponRepository struct {
	base *pfirestore.BaseRepository[couponDocument]
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	return &CouponRepository{
		base: pfirestore.NewBaseRepository[couponDocument](provider, couponsCollection, nil, nil),
	}, nil
}

// FindActiveByCode returns the active coupon stored under the upper-cased code.
func (r *CouponRepository) FindActiveByCode(ctx context.Context, code string) (domain.Coupon, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return domain.Coupon{}, pfirestore.NotFound("coupons.find", "coupon")
	}
	docs, err := r.base.QueryDocuments(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("code", "==", normalized).Where("active", "==", true).Limit(1)
	})
	if err != nil {
		return domain.Coupon{}, err
	}
	if len(docs) == 0 {
		return domain.Coupon{}, pfirestore.NotFound("coupons.find", "coupon "+normalized)
	}
	return decodeCoupon(docs[0].ID, docs[0].Value), nil
}

// GatewayConfigRepository reads the payment gateway configuration maintained by admins.
type GatewayConfigRepository struct {
	base *pfirestore.BaseRepository[gatewayConfigDocument]
}

// NewGatewayConfigRepository constructs a Firestore-backed gateway configuration repository.
func NewGatewayConfigRepository(provider *pfirestore.Provider) (*GatewayConfigRepository, error) {
	if provider == nil {
		return nil, errors.New("gateway config repository requires firestore provider")
	}
	return &GatewayConfigRepository{
		base: pfirestore.NewBaseRepository[gatewayConfigDocument](provider, gatewayConfigsCollection, nil, nil),
	}, nil
}

// FindActive returns the most recently updated active configuration for gateway.
func (r *GatewayConfigRepository) FindActive(ctx context.Context, gateway string) (domain.GatewayConfig, error) {
	name := strings.ToLower(strings.TrimSpace(gateway))
	configs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("gateway", "==", name).
			Where("active", "==", true).
			OrderBy("updatedAt", firestore.Desc).
			Limit(1)
	})
	if err != nil {
		return domain.GatewayConfig{}, err
	}
	if len(configs) == 0 {
		return domain.GatewayConfig{}, pfirestore.NotFound("payment_gateways.find", "active "+name+" configuration")
	}
	return decodeGatewayConfig(configs[0]), nil
}

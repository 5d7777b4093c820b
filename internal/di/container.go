package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oakline/market-api/internal/platform/config"
	pfirestore "github.com/oakline/market-api/internal/platform/firestore"
	"github.com/oakline/market-api/internal/repositories"
	firestoreRepo "github.com/oakline/market-api/internal/repositories/firestore"
	"github.com/oakline/market-api/internal/services"
	"github.com/oakline/market-api/internal/shipping"
)

const defaultCurrency = "USD"

// Repositories bundles the persistence contracts backing the fulfillment pipeline.
type Repositories struct {
	Products  repositories.ProductRepository
	Carts     repositories.CartRepository
	Addresses repositories.AddressRepository
	Orders    repositories.OrderRepository
	Payments  repositories.PaymentRepository
	Shipments repositories.ShipmentRepository
	Counters  repositories.CounterRepository
}

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Counters  services.CounterService
	Cart      services.CartService
	Orders    services.OrderService
	Payments  services.PaymentService
	Shipments services.ShipmentService
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories Repositories
	Services     Services
}

type containerOptions struct {
	clock    func() time.Time
	logger   *zap.Logger
	events   services.EventPublisher
	gateway  services.PaymentGateway
	carrier  shipping.Provider
	currency string
}

// Option customises container assembly.
type Option func(*containerOptions)

// WithClock overrides the time source used by all services.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		o.clock = clock
	}
}

// WithLogger sets the base logger; services log under named children of it.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// WithEventPublisher enables domain event publishing on order, payment and
// shipment mutations. Without it services operate but emit no events.
func WithEventPublisher(events services.EventPublisher) Option {
	return func(o *containerOptions) {
		o.events = events
	}
}

// WithPaymentGateway supplies the PSP gateway the payment service charges through.
func WithPaymentGateway(gateway services.PaymentGateway) Option {
	return func(o *containerOptions) {
		o.gateway = gateway
	}
}

// WithCarrier supplies the carrier client the shipment service books and tracks through.
func WithCarrier(carrier shipping.Provider) Option {
	return func(o *containerOptions) {
		o.carrier = carrier
	}
}

// WithDefaultCurrency overrides the currency assigned to newly created carts.
func WithDefaultCurrency(currency string) Option {
	return func(o *containerOptions) {
		o.currency = currency
	}
}

// NewContainer assembles the Firestore repositories and domain services that
// implement the order fulfillment pipeline. The payment gateway and carrier
// client are mandatory collaborators.
func NewContainer(cfg config.Config, provider *pfirestore.Provider, opts ...Option) (*Container, error) {
	if provider == nil {
		return nil, errors.New("di: firestore provider is required")
	}

	options := containerOptions{
		clock:    time.Now,
		logger:   zap.NewNop(),
		currency: defaultCurrency,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	if options.gateway == nil {
		return nil, errors.New("di: payment gateway is required")
	}
	if options.carrier == nil {
		return nil, errors.New("di: carrier client is required")
	}

	repos, err := buildRepositories(provider)
	if err != nil {
		return nil, err
	}

	svc, err := buildServices(repos, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: repos,
		Services:     svc,
	}, nil
}

func buildRepositories(provider *pfirestore.Provider) (Repositories, error) {
	products, err := firestoreRepo.NewProductRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build product repository: %w", err)
	}
	carts, err := firestoreRepo.NewCartRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build cart repository: %w", err)
	}
	addresses, err := firestoreRepo.NewAddressRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build address repository: %w", err)
	}
	orders, err := firestoreRepo.NewOrderRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build order repository: %w", err)
	}
	payments, err := firestoreRepo.NewPaymentRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build payment repository: %w", err)
	}
	shipments, err := firestoreRepo.NewShipmentRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build shipment repository: %w", err)
	}
	counters, err := firestoreRepo.NewCounterRepository(provider)
	if err != nil {
		return Repositories{}, fmt.Errorf("build counter repository: %w", err)
	}

	return Repositories{
		Products:  products,
		Carts:     carts,
		Addresses: addresses,
		Orders:    orders,
		Payments:  payments,
		Shipments: shipments,
		Counters:  counters,
	}, nil
}

func buildServices(repos Repositories, options containerOptions) (Services, error) {
	counters, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: repos.Counters,
		Clock:      options.clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}

	cart, err := services.NewCartService(services.CartServiceDeps{
		Repository:      repos.Carts,
		Products:        repos.Products,
		Clock:           options.clock,
		DefaultCurrency: options.currency,
		Logger:          serviceLogger(options.logger.Named("cart")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:    repos.Orders,
		Addresses: repos.Addresses,
		Carts:     cart,
		Counters:  counters,
		Clock:     options.clock,
		Events:    options.events,
		Logger:    serviceLogger(options.logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	payments, err := services.NewPaymentService(services.PaymentServiceDeps{
		Payments: repos.Payments,
		Orders:   repos.Orders,
		Gateway:  options.gateway,
		Clock:    options.clock,
		Events:   options.events,
		Logger:   serviceLogger(options.logger.Named("payments")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}

	shipments, err := services.NewShipmentService(services.ShipmentServiceDeps{
		Shipments: repos.Shipments,
		Orders:    repos.Orders,
		Carrier:   options.carrier,
		Clock:     options.clock,
		Events:    options.events,
		Logger:    serviceLogger(options.logger.Named("shipments")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build shipment service: %w", err)
	}

	return Services{
		Counters:  counters,
		Cart:      cart,
		Orders:    orders,
		Payments:  payments,
		Shipments: shipments,
	}, nil
}

// serviceLogger bridges the services' structured log callback onto zap.
func serviceLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service log", zFields...)
	}
}

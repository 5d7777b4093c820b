package repositories

import "fmt"

// OrderErrorCode enumerates repository error causes for order transactions.
type OrderErrorCode string

const (
	// OrderErrorUnknown represents an unspecified failure.
	OrderErrorUnknown OrderErrorCode = "order_unknown"
	// OrderErrorInsufficientStock indicates a requested quantity exceeds availability.
	OrderErrorInsufficientStock OrderErrorCode = "order_insufficient_stock"
	// OrderErrorProductUnavailable indicates a line references a missing or inactive product.
	OrderErrorProductUnavailable OrderErrorCode = "order_product_unavailable"
	// OrderErrorInvalidState indicates the order status forbids the operation.
	OrderErrorInvalidState OrderErrorCode = "order_invalid_state"
)

// OrderError wraps order-transaction failures with machine readable codes.
type OrderError struct {
	Op      string
	Code    OrderErrorCode
	Message string
	Err     error

	// ProductID identifies the offending line for stock and availability failures.
	ProductID string
}

// Error implements the error interface.
func (e *OrderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *OrderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOrderError constructs a typed order error.
func NewOrderError(code OrderErrorCode, message string, err error) *OrderError {
	if message == "" {
		message = string(code)
	}
	return &OrderError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

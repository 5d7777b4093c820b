package domain

// OrderStatus enumerates the order lifecycle. Transitions are forward-only apart from
// cancellation out of the two earliest states.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCanceled   OrderStatus = "cancelled"
)

// OrderPaymentStatus mirrors the payment outcome on the order record.
type OrderPaymentStatus string

const (
	OrderPaymentPending  OrderPaymentStatus = "pending"
	OrderPaymentPaid     OrderPaymentStatus = "paid"
	OrderPaymentFailed   OrderPaymentStatus = "failed"
	OrderPaymentRefunded OrderPaymentStatus = "refunded"
)

// PaymentStatus enumerates gateway charge states.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusSucceeded         PaymentStatus = "succeeded"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// ShipmentStatus enumerates carrier delivery states.
type ShipmentStatus string

const (
	ShipmentStatusPreTransit     ShipmentStatus = "pre_transit"
	ShipmentStatusInTransit      ShipmentStatus = "in_transit"
	ShipmentStatusOutForDelivery ShipmentStatus = "out_for_delivery"
	ShipmentStatusDelivered      ShipmentStatus = "delivered"
	ShipmentStatusException      ShipmentStatus = "exception"
	ShipmentStatusReturned       ShipmentStatus = "returned"
)

var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCanceled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCanceled},
	OrderStatusShipped:    {OrderStatusDelivered},
	OrderStatusDelivered:  {},
	OrderStatusCanceled:   {},
}

var shipmentStatusTransitions = map[ShipmentStatus][]ShipmentStatus{
	ShipmentStatusPreTransit:     {ShipmentStatusInTransit, ShipmentStatusOutForDelivery, ShipmentStatusDelivered, ShipmentStatusException, ShipmentStatusReturned},
	ShipmentStatusInTransit:      {ShipmentStatusOutForDelivery, ShipmentStatusDelivered, ShipmentStatusException, ShipmentStatusReturned},
	ShipmentStatusOutForDelivery: {ShipmentStatusDelivered, ShipmentStatusException, ShipmentStatusReturned},
	ShipmentStatusException:      {ShipmentStatusInTransit, ShipmentStatusOutForDelivery, ShipmentStatusDelivered, ShipmentStatusReturned},
	ShipmentStatusDelivered:      {},
	ShipmentStatusReturned:       {},
}

// CanTransitionOrder reports whether an order may move from one status to another.
// Every order mutator consults this table; there are no inline status checks.
func CanTransitionOrder(from, to OrderStatus) bool {
	if from == to {
		return false
	}
	for _, next := range orderStatusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanCancelOrder reports whether an order in the given status may be cancelled.
func CanCancelOrder(status OrderStatus) bool {
	return CanTransitionOrder(status, OrderStatusCanceled)
}

// CanTransitionShipment reports whether a shipment may move between carrier states.
func CanTransitionShipment(from, to ShipmentStatus) bool {
	if from == to {
		return false
	}
	for _, next := range shipmentStatusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalPaymentStatus reports whether the payment reached a state that gateway
// events must never move it away from. Webhook delivery order is not guaranteed, so a
// stale "failed" arriving after "succeeded" is dropped by this guard.
func IsTerminalPaymentStatus(status PaymentStatus) bool {
	switch status {
	case PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		return true
	}
	return false
}

// NextOrderStatusForPayment is the synchronizer rule applied after every payment
// mutation: a successful payment moves a pending order to processing. The rule is pure
// and idempotent; applying it twice yields the same order status.
func NextOrderStatusForPayment(order OrderStatus, payment PaymentStatus) (OrderStatus, bool) {
	if payment == PaymentStatusSucceeded && order == OrderStatusPending {
		return OrderStatusProcessing, true
	}
	return order, false
}

// NextOrderStatusForShipment is the synchronizer rule applied after every shipment
// mutation: a delivered shipment moves a shipped order to delivered. Cancelled or
// already-delivered orders are never regressed.
func NextOrderStatusForShipment(order OrderStatus, shipment ShipmentStatus) (OrderStatus, bool) {
	if shipment == ShipmentStatusDelivered && order == OrderStatusShipped {
		return OrderStatusDelivered, true
	}
	return order, false
}

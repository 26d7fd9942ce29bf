// Package store is the durable key-path document store backing machine,
// order and payment-event records. Documents are JSON objects addressed by
// slash-separated paths; CreateIfAbsent is the single atomic primitive and is
// what makes webhook admission safe under concurrent duplicate delivery.
package store

import "context"

type Store interface {
	// Get decodes the document at path into dest. The bool reports whether a
	// document exists.
	Get(ctx context.Context, path string, dest any) (bool, error)

	// Set overwrites the document at path.
	Set(ctx context.Context, path string, value any) error

	// Update shallow-merges fields into the document at path, creating the
	// document when absent.
	Update(ctx context.Context, path string, fields map[string]any) error

	// CreateIfAbsent atomically writes value only when no document exists at
	// path. When a document already exists it is returned raw and created is
	// false. The check-and-write must be atomic at the store layer.
	CreateIfAbsent(ctx context.Context, path string, value any) (created bool, existing []byte, err error)

	// List returns every document whose path starts with prefix, keyed by
	// full path.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	Close() error
}

func MachinePath(machineID string) string {
	return "machines/" + machineID
}

func OrderPath(orderID string) string {
	return "orders/" + orderID
}

func PaymentEventPath(providerPaymentID string) string {
	return "paymentEvents/" + providerPaymentID
}

func QRCodePath(qrCodeID string) string {
	return "qrCodeToMachine/" + qrCodeID
}

const (
	OrdersPrefix = "orders/"
)

package order

import (
	"errors"
	"testing"
)

func TestNewOrder(t *testing.T) {
	o, err := New("order-1", "buyer-1", "prod-1", "pi_123", 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Status != StatusPending {
		t.Errorf("expected status %s, got %s", StatusPending, o.Status)
	}
	if o.PaymentReference != "pi_123" {
		t.Errorf("unexpected payment reference: %s", o.PaymentReference)
	}
	if o.CreatedAt.IsZero() || !o.CreatedAt.Equal(o.UpdatedAt) {
		t.Errorf("timestamps not initialized: %v %v", o.CreatedAt, o.UpdatedAt)
	}
	if o.InventoryApplied {
		t.Error("new orders must start with no inventory applied")
	}
}

func TestNewOrderInvalidQuantity(t *testing.T) {
	for _, qty := range []int{0, -3} {
		if _, err := New("order-1", "buyer-1", "prod-1", "pi_123", qty); !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("quantity %d: expected ErrInvalidQuantity, got %v", qty, err)
		}
	}
}

func TestNewOrderMissingPaymentReference(t *testing.T) {
	if _, err := New("order-1", "buyer-1", "prod-1", "", 1); !errors.Is(err, ErrMissingPaymentReference) {
		t.Fatalf("expected ErrMissingPaymentReference, got %v", err)
	}
}

func TestOrderTransitions(t *testing.T) {
	o, _ := New("order-1", "buyer-1", "prod-1", "pi_123", 1)

	o.Approve()
	if o.Status != StatusApproved {
		t.Errorf("expected %s, got %s", StatusApproved, o.Status)
	}

	o.Reject()
	if o.Status != StatusRejected {
		t.Errorf("expected %s, got %s", StatusRejected, o.Status)
	}
}

func TestOrderCloneIsIndependent(t *testing.T) {
	o, _ := New("order-1", "buyer-1", "prod-1", "pi_123", 1)
	clone := o.Clone()
	clone.Approve()
	if o.Status != StatusPending {
		t.Fatalf("clone mutation leaked into original: %s", o.Status)
	}
}

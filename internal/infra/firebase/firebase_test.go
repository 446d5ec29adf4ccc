package firebase

import (
	"context"
	"testing"
)

func TestNewClientsRequiresProjectID(t *testing.T) {
	t.Parallel()

	if _, err := NewClients(context.Background(), Options{Firestore: true}); err == nil {
		t.Fatal("expected error when project id is empty")
	}
}

func TestClientsCloseWithoutFirestore(t *testing.T) {
	t.Parallel()

	var nilClients *Clients
	if err := nilClients.Close(); err != nil {
		t.Fatalf("Close() on nil error = %v", err)
	}
	if err := (&Clients{}).Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

package firebase

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	gofirebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// Clients holds the Firebase services the relay uses. Either field is nil
// when it was not requested.
type Clients struct {
	Firestore *firestore.Client
	Messaging *messaging.Client
}

type Options struct {
	ProjectID       string
	CredentialsJSON string
	Firestore       bool
	Messaging       bool
}

// NewClients initializes a Firebase app and the requested clients. Without
// CredentialsJSON the application default credentials are used.
func NewClients(ctx context.Context, opts Options) (*Clients, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("firebase project id is required")
	}

	var clientOpts []option.ClientOption
	if opts.CredentialsJSON != "" {
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(opts.CredentialsJSON)))
	}

	app, err := gofirebase.NewApp(ctx, &gofirebase.Config{ProjectID: opts.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	clients := &Clients{}
	if opts.Firestore {
		clients.Firestore, err = app.Firestore(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get firestore client: %w", err)
		}
	}
	if opts.Messaging {
		clients.Messaging, err = app.Messaging(ctx)
		if err != nil {
			_ = clients.Close()
			return nil, fmt.Errorf("failed to get messaging client: %w", err)
		}
	}
	return clients, nil
}

func (c *Clients) Close() error {
	if c == nil || c.Firestore == nil {
		return nil
	}
	return c.Firestore.Close()
}

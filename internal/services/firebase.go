package services

import (
	"context"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"gymhealth_checkout/internal/config"
)

// Firebase bundles the Admin SDK clients the service uses
type Firebase struct {
	Auth      *auth.Client
	Firestore *firestore.Client
}

// InitFirebase initializes the Firebase Admin SDK from a service account file
func InitFirebase(ctx context.Context, cfg config.FirebaseConfig) (*Firebase, error) {
	var appCfg *firebase.Config
	if cfg.ProjectID != "" {
		appCfg = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	opt := option.WithCredentialsFile(cfg.CredentialsPath)
	app, err := firebase.NewApp(ctx, appCfg, opt)
	if err != nil {
		return nil, err
	}

	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, err
	}
	fs, err := app.Firestore(ctx)
	if err != nil {
		return nil, err
	}
	return &Firebase{Auth: authClient, Firestore: fs}, nil
}

// Close releases the Firestore connection
func (f *Firebase) Close() error {
	if f == nil || f.Firestore == nil {
		return nil
	}
	return f.Firestore.Close()
}

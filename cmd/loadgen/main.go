// Thin wrapper generating synthetic item batches against a repository, for
// manual exercising of the save/get item flow without a real gateway.
//
// Usage:
//
//	go run ./cmd/loadgen --db itemsync-primary.db --user <uuid> --count 200
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/google/uuid"

	isync "github.com/vaultnotes/itemsync/internal/sync"
)

// noopVaults and noopEvents satisfy the Service's collaborator interfaces
// with no-op behavior: loadgen never exercises shared-vault flows, so there
// is nothing for a real implementation to do here.
type noopVaults struct{}

func (noopVaults) FindAllForUser(context.Context, string) ([]isync.SharedVaultUser, error) {
	return nil, nil
}

type noopEvents struct{}

func (noopEvents) RemoveUserEventsAfterItemAddedToSharedVault(context.Context, string, string, string) error {
	return nil
}

func (noopEvents) CreateItemRemovedFromSharedVaultUserEvent(context.Context, string, string, string) error {
	return nil
}

type logPublisher struct{ log *slog.Logger }

func (p logPublisher) Publish(_ context.Context, event isync.DomainEvent) error {
	p.log.Debug("event", slog.String("name", event.Name), slog.String("item_uuid", event.ItemUUID))
	return nil
}

func main() {
	dbPath := flag.String("db", "itemsync-primary.db", "path to the sqlite item store")
	userUUID := flag.String("user", uuid.NewString(), "user uuid to generate items for")
	count := flag.Int("count", 100, "number of synthetic items to save")
	contentBytes := flag.Int("content-bytes", 512, "size of each item's opaque content blob")
	flag.Parse()

	ctx := context.Background()
	logger := slog.Default()

	repo, err := isync.NewSQLiteRepository(ctx, *dbPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening store: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	svc := isync.NewService(repo, isync.NewClock(), noopVaults{}, noopEvents{}, logPublisher{log: logger}, isync.ServiceConfig{
		DefaultLimit:          150,
		MaxSyncLimit:          1000,
		ContentTransferBudget: 4 << 20,
	}, logger)

	hashes := make([]isync.ItemHash, *count)
	contentType := isync.ContentTypeNote
	for i := range hashes {
		content := make([]byte, *contentBytes)
		rand.Read(content)

		hashes[i] = isync.ItemHash{
			UUID:        uuid.NewString(),
			Content:     content,
			ContentSet:  true,
			ContentType: &contentType,
		}
	}

	result, err := svc.SaveItems(ctx, isync.SaveItemsRequest{
		UserUUID:   *userUUID,
		ItemHashes: hashes,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "save_items failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("saved %d items for user %s, sync_token=%s\n", len(result.SavedItems), *userUUID, result.SyncToken)

	getResult, err := svc.GetItems(ctx, isync.GetItemsRequest{UserUUID: *userUUID, Limit: 150})
	if err != nil {
		fmt.Fprintf(os.Stderr, "get_items failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("get_items returned %d items, sync_token=%s\n", len(getResult.RetrievedItems), getResult.SyncToken)
}

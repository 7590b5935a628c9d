package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mirkobrombin/go-shelf/v1/adapter"
	shelferrors "github.com/mirkobrombin/go-shelf/v1/errors"
	"github.com/mirkobrombin/go-shelf/v1/library"
	"github.com/mirkobrombin/go-shelf/v1/lock"
	"github.com/mirkobrombin/go-shelf/v1/presets"
)

var (
	concurrency = flag.Int("c", 30, "Number of concurrent registrations")
	redisAddr   = flag.String("redis", "", "Redis address; empty runs in-memory")
	isbn        = flag.String("isbn", "9788936434120", "ISBN every client registers")
	userID      = flag.Int64("user", 1, "User registering the book")
	wait        = flag.Duration("wait", 5*time.Second, "Lock wait time")
)

func classify(err error) string {
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, shelferrors.ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, shelferrors.ErrLockNotAcquired):
		return "lock_not_acquired"
	case errors.Is(err, shelferrors.ErrLockUnavailable):
		return "lock_unavailable"
	default:
		return "error: " + err.Error()
	}
}

func main() {
	flag.Parse()

	lockOpts := library.WithLockOptions(lock.Options{Wait: *wait, Lease: lock.DefaultLease})
	var stack *presets.Stack
	if *redisAddr != "" {
		log.Printf("Using Redis at %s for locks and views", *redisAddr)
		stack = presets.NewRedis(adapter.NewInMemoryStore(), presets.RedisOptions{Addr: *redisAddr}, lockOpts)
	} else {
		stack = presets.NewInMemoryStandalone(lockOpts)
	}
	defer stack.Close()

	total := 300
	in := library.AddBookInput{ISBN: *isbn, Title: "The Vegetarian", Author: "Han Kang", TotalPages: &total}
	ctx := context.Background()

	log.Printf("Firing %d identical registrations for user %d, ISBN %s", *concurrency, *userID, *isbn)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make(map[string]int)
		start    = make(chan struct{})
	)
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := stack.Service.AddBook(ctx, *userID, in)
			mu.Lock()
			outcomes[classify(err)]++
			mu.Unlock()
		}()
	}
	begin := time.Now()
	close(start)
	wg.Wait()
	log.Printf("Finished in %v", time.Since(begin))

	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		log.Printf("%-20s %d", k, outcomes[k])
	}

	view, err := stack.Service.List(ctx, *userID, library.Planned, 1)
	if err != nil {
		log.Fatalf("list: %v", err)
	}
	log.Printf("Library now holds %d planned entries", view.Summary.Planned)
	if outcomes["created"] != 1 || view.Summary.Planned != 1 {
		log.Fatal("expected exactly one registration")
	}
}

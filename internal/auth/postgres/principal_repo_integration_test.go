// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/auth/postgres"
	"github.com/gatekeep/gatekeep/internal/store"
)

var _ = Describe("PrincipalRepository", Ordered, func() {
	var (
		ctx       context.Context
		container *tcpostgres.PostgresContainer
		pool      *pgxpool.Pool
		repo      *postgres.PrincipalRepository
	)

	BeforeAll(func() {
		ctx = context.Background()
		var err error
		container, err = tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("gatekeep_test"),
			tcpostgres.WithUsername("gatekeep"),
			tcpostgres.WithPassword("gatekeep"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		Expect(err).NotTo(HaveOccurred())

		connStr, err := container.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		migrator, err := store.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		Expect(migrator.Up()).To(Succeed())
		Expect(migrator.Close()).To(Succeed())

		pool, err = store.Connect(ctx, connStr, 3)
		Expect(err).NotTo(HaveOccurred())
		repo = postgres.NewPrincipalRepository(pool)
	})

	AfterAll(func() {
		if pool != nil {
			pool.Close()
		}
		if container != nil {
			_ = container.Terminate(ctx)
		}
	})

	BeforeEach(func() {
		_, err := pool.Exec(ctx, `TRUNCATE principals`)
		Expect(err).NotTo(HaveOccurred())
	})

	newPrincipal := func(email, username string) *auth.Principal {
		p, err := auth.NewPrincipal(email, username, "$argon2id$hash")
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	It("round-trips a principal", func() {
		p := newPrincipal("alice@example.com", "Alice")
		Expect(repo.Create(ctx, p)).To(Succeed())

		got, err := repo.GetByEmail(ctx, "alice@example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ID).To(Equal(p.ID))
		Expect(got.Username).To(Equal("Alice"))
		Expect(got.CreatedAt).To(BeTemporally("~", p.CreatedAt, time.Millisecond))
	})

	It("reports missing principals as not found", func() {
		_, err := repo.GetByID(ctx, ulid.Make())
		Expect(err).To(MatchError(auth.ErrNotFound))
	})

	It("rejects usernames differing only by case", func() {
		Expect(repo.Create(ctx, newPrincipal("a@example.com", "alice"))).To(Succeed())
		err := repo.Create(ctx, newPrincipal("b@example.com", "ALICE"))
		Expect(err).To(MatchError(auth.ErrConflict))

		taken, err := repo.IsTaken(ctx, "", "Alice", ulid.ULID{})
		Expect(err).NotTo(HaveOccurred())
		Expect(taken).To(BeTrue())
	})

	It("lets only one of many concurrent duplicate registrations through", func() {
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			conflicts atomic.Int32
		)
		for i := range 10 {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				p := newPrincipal("race@example.com", "racer"+string(rune('a'+i)))
				switch err := repo.Create(ctx, p); {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, auth.ErrConflict):
					conflicts.Add(1)
				}
			}()
		}
		wg.Wait()
		Expect(successes.Load()).To(Equal(int32(1)))
		Expect(conflicts.Load()).To(Equal(int32(9)))
	})

	It("updates identity fields but excludes self from uniqueness", func() {
		p := newPrincipal("alice@example.com", "alice")
		Expect(repo.Create(ctx, p)).To(Succeed())

		taken, err := repo.IsTaken(ctx, p.Email, p.Username, p.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(taken).To(BeFalse())

		p.Username = "alicia"
		p.UpdatedAt = time.Now().UTC()
		Expect(repo.Update(ctx, p)).To(Succeed())

		got, err := repo.GetByID(ctx, p.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Username).To(Equal("alicia"))
	})

	It("replaces the password hash", func() {
		p := newPrincipal("alice@example.com", "alice")
		Expect(repo.Create(ctx, p)).To(Succeed())
		Expect(repo.UpdatePassword(ctx, p.ID, "$argon2id$new")).To(Succeed())

		got, err := repo.GetByID(ctx, p.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.PasswordHash).To(Equal("$argon2id$new"))
	})
})

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/plugos/plugos/internal/store"
)

var _ = Describe("Postgres store", Ordered, func() {
	var (
		ctx       context.Context
		container *postgres.PostgresContainer
		connStr   string
		kv        *store.Postgres
	)

	BeforeAll(func() {
		ctx = context.Background()
		var err error
		container, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("plugos_test"),
			postgres.WithUsername("plugos"),
			postgres.WithPassword("plugos"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		Expect(err).NotTo(HaveOccurred())

		connStr, err = container.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		kv, err = store.OpenPostgres(ctx, connStr, store.PostgresOptions{Migrate: true})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if kv != nil {
			kv.Close()
		}
		if container != nil {
			_ = container.Terminate(ctx)
		}
	})

	It("round-trips JSON values", func() {
		Expect(kv.Set(ctx, "tasks", "first", map[string]any{"done": false, "tags": []any{"a"}})).To(Succeed())

		v, ok, err := kv.Get(ctx, "tasks", "first")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(map[string]any{"done": false, "tags": []any{"a"}}))
	})

	It("overwrites on set", func() {
		Expect(kv.Set(ctx, "tasks", "n", 1)).To(Succeed())
		Expect(kv.Set(ctx, "tasks", "n", 2)).To(Succeed())

		v, _, err := kv.Get(ctx, "tasks", "n")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(2.0))
	})

	It("queries by prefix within one namespace", func() {
		Expect(kv.BatchSet(ctx, "notes", []store.Entry{
			{Key: "page:b", Value: "b"},
			{Key: "page:a", Value: "a"},
			{Key: "other", Value: "x"},
		})).To(Succeed())
		Expect(kv.Set(ctx, "elsewhere", "page:z", "z")).To(Succeed())

		entries, err := kv.QueryPrefix(ctx, "notes", "page:")
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(Equal([]store.Entry{
			{Key: "page:a", Value: "a"},
			{Key: "page:b", Value: "b"},
		}))
	})

	It("deletes keys", func() {
		Expect(kv.Set(ctx, "tmp", "k", true)).To(Succeed())
		Expect(kv.Delete(ctx, "tmp", "k")).To(Succeed())

		_, ok, err := kv.Get(ctx, "tmp", "k")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("reports no pending migrations after startup", func() {
		m, err := store.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = m.Close() }()

		pending, err := m.Pending()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).To(BeEmpty())
	})
})

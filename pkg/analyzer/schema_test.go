// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package analyzer

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/dbpulse/pkg/types"
)

func TestDBSchemaProvider_MySQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("information_schema.columns").WillReturnRows(
		sqlmock.NewRows([]string{"column_name", "data_type"}).
			AddRow("id", "bigint").
			AddRow("customer_id", "bigint"),
	)
	mock.ExpectQuery("information_schema.statistics").WillReturnRows(
		sqlmock.NewRows([]string{"index_name", "column_name", "non_unique"}).
			AddRow("PRIMARY", "id", 0).
			AddRow("idx_cust", "customer_id", 1).
			AddRow("idx_cust", "status", 1),
	)
	mock.ExpectQuery("information_schema.tables").WillReturnRows(
		sqlmock.NewRows([]string{"table_rows"}).AddRow(int64(123456)),
	)

	p := NewDBSchemaProvider(zaptest.NewLogger(t))
	p.Register("db-1:3306", db)

	info, err := p.TableInfo(context.Background(), types.SourceMySQL, "db-1:3306", "shop", "orders")
	require.NoError(t, err)

	assert.Equal(t, "orders", info.Name)
	require.Len(t, info.Columns, 2)
	require.Len(t, info.Indexes, 2)
	assert.True(t, info.Indexes[0].Unique)
	assert.Equal(t, []string{"customer_id", "status"}, info.Indexes[1].Columns)
	assert.Equal(t, int64(123456), info.RowEstimate)
	assert.True(t, info.HasIndexOn("customer_id"))
	assert.False(t, info.HasIndexOn("status"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBSchemaProvider_UnknownHost(t *testing.T) {
	p := NewDBSchemaProvider(zaptest.NewLogger(t))
	_, err := p.TableInfo(context.Background(), types.SourceMySQL, "nowhere", "d", "t")
	assert.ErrorIs(t, err, ErrTableUnknown)
}

func TestDBSchemaProvider_MissingTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("information_schema.columns").WillReturnRows(
		sqlmock.NewRows([]string{"column_name", "data_type"}),
	)

	p := NewDBSchemaProvider(zaptest.NewLogger(t))
	p.Register("db-1:3306", db)

	_, err = p.TableInfo(context.Background(), types.SourceMySQL, "db-1:3306", "shop", "ghost")
	assert.ErrorIs(t, err, ErrTableUnknown)
}

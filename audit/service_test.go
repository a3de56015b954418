package audit

import (
	"context"
	"testing"

	"github.com/openrp/charcore/model"
	"github.com/openrp/charcore/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestService_New_StartsWorker(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, zap.NewNop())
	require.NotNil(t, svc)
	svc.Stop(context.Background())
}

func TestService_Log_EnqueuedAndFlushed(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, zap.NewNop())

	charID := int64(1)
	accountID := int64(2)
	svc.Log(Entry{
		TraceID:   "trace-123",
		CharID:    &charID,
		AccountID: &accountID,
		Action:    "char_delete",
		Detail:    map[string]interface{}{"reason": "player request"},
		IP:        "127.0.0.1",
	})

	// Stop flushes remaining entries.
	svc.Stop(context.Background())

	var logs []model.AuditLog
	db.Find(&logs)
	require.Len(t, logs, 1)
	assert.Equal(t, "trace-123", logs[0].TraceID)
	assert.Equal(t, "char_delete", logs[0].Action)
	assert.Equal(t, "127.0.0.1", logs[0].IP)
	assert.Equal(t, &charID, logs[0].CharID)
	assert.JSONEq(t, `{"reason":"player request"}`, string(logs[0].Detail))
}

func TestService_Log_BatchFlush(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, zap.NewNop())

	// 100 entries trigger an immediate batch flush inside the worker.
	for i := 0; i < 100; i++ {
		svc.Log(Entry{Action: "batch"})
	}
	svc.Stop(context.Background())

	var count int64
	db.Model(&model.AuditLog{}).Count(&count)
	assert.GreaterOrEqual(t, count, int64(100))
}

func TestService_Log_NilActorFields(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, zap.NewNop())

	svc.Log(Entry{Action: "system_task"})
	svc.Stop(context.Background())

	var logs []model.AuditLog
	db.Find(&logs)
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].CharID)
	assert.Nil(t, logs[0].AccountID)
}

func TestService_Log_DropsWhenFull(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, zap.NewNop())

	// The channel holds 1024; flood past that to exercise the drop path.
	for i := 0; i < 1500; i++ {
		svc.Log(Entry{Action: "flood"})
	}
	svc.Stop(context.Background()) // must not panic or deadlock
}

func TestService_Stop_Idempotent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, zap.NewNop())
	svc.Stop(context.Background())
	svc.Stop(context.Background()) // must not panic
}

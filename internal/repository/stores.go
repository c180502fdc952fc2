package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/creditengine/internal/ledger"
	"github.com/inaiurai/creditengine/internal/pool"
	"github.com/inaiurai/creditengine/internal/services"
)

var (
	_ ledger.Store         = (*CreditRepo)(nil)
	_ pool.Store           = (*PoolRepo)(nil)
	_ services.TaskStore   = (*TaskRepo)(nil)
	_ services.RefundStore = (*RefundRepo)(nil)
	_ services.PolicyStore = (*RefundRepo)(nil)
)

// Stores groups the PostgreSQL repositories behind one connection pool.
type Stores struct {
	Credits *CreditRepo
	Pools   *PoolRepo
	Tasks   *TaskRepo
	Refunds *RefundRepo
}

func NewStores(db *pgxpool.Pool) *Stores {
	return &Stores{
		Credits: NewCreditRepo(db),
		Pools:   NewPoolRepo(db),
		Tasks:   NewTaskRepo(db),
		Refunds: NewRefundRepo(db),
	}
}

package planner

import (
	"context"
	"errors"
	"sync"

	"github.com/annel0/claim-engine/internal/cell"
	"github.com/annel0/claim-engine/internal/claim"
	"github.com/annel0/claim-engine/internal/logging"
)

// ErrPipelineClosed возвращается заявке, поданной после остановки конвейера.
var ErrPipelineClosed = errors.New("конвейер остановлен")

// Result — итог асинхронной заявки на создание претензии.
type Result struct {
	Claim *claim.Claim
	Err   error
}

type job struct {
	ctx    context.Context
	owner  string
	center cell.Key
	radius int
	name   string
	done   chan Result
}

// Pipeline выполняет заявки на создание претензий в пуле воркеров.
// Принятая заявка проходит конвейер валидация → списание → коммит
// целиком: начатая обработка не прерывается отменой контекста вызова,
// чтобы не оставить списание без коммита.
type Pipeline struct {
	planner *Planner
	jobs    chan job
	wg      sync.WaitGroup
	once    sync.Once

	// mu сериализует подачу заявок против закрытия канала:
	// submit держит RLock на время отправки, Close берёт Lock перед close.
	mu     sync.RWMutex
	closed bool
}

// NewPipeline создаёт конвейер с workers воркерами и очередью queue заявок.
func NewPipeline(p *Planner, workers, queue int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 64
	}
	pl := &Pipeline{
		planner: p,
		jobs:    make(chan job, queue),
	}
	pl.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go pl.worker(i)
	}
	logging.Info("🏗️ Конвейер претензий запущен: %d воркеров, очередь %d", workers, queue)
	return pl
}

// SubmitCreate ставит в очередь создание одноячеечной претензии.
// Возвращаемый канал получает ровно один Result.
func (pl *Pipeline) SubmitCreate(ctx context.Context, owner string, key cell.Key, name string) <-chan Result {
	return pl.submit(job{ctx: ctx, owner: owner, center: key, radius: 0, name: name})
}

// SubmitRadius ставит в очередь создание претензии радиусом radius.
func (pl *Pipeline) SubmitRadius(ctx context.Context, owner string, center cell.Key, radius int) <-chan Result {
	return pl.submit(job{ctx: ctx, owner: owner, center: center, radius: radius})
}

func (pl *Pipeline) submit(j job) <-chan Result {
	j.done = make(chan Result, 1)
	pl.mu.RLock()
	if pl.closed {
		pl.mu.RUnlock()
		j.done <- Result{Err: ErrPipelineClosed}
		return j.done
	}
	select {
	case pl.jobs <- j:
		pl.mu.RUnlock()
	case <-j.ctx.Done():
		pl.mu.RUnlock()
		j.done <- Result{Err: j.ctx.Err()}
	}
	return j.done
}

func (pl *Pipeline) worker(id int) {
	defer pl.wg.Done()
	for j := range pl.jobs {
		// Отмена проверяется только до начала обработки.
		if err := j.ctx.Err(); err != nil {
			j.done <- Result{Err: err}
			continue
		}
		var res Result
		if j.radius > 0 {
			res.Claim, res.Err = pl.planner.ClaimRadius(context.Background(), j.owner, j.center, j.radius)
		} else {
			res.Claim, res.Err = pl.planner.CreateClaim(context.Background(), j.owner, j.center, j.name)
		}
		j.done <- res
	}
	logging.Debug("Воркер конвейера %d остановлен", id)
}

// Close останавливает конвейер и дожидается завершения начатых заявок.
// Заявки, поданные после остановки, получают ErrPipelineClosed.
func (pl *Pipeline) Close() {
	pl.once.Do(func() {
		pl.mu.Lock()
		pl.closed = true
		pl.mu.Unlock()
		close(pl.jobs)
		pl.wg.Wait()
	})
}

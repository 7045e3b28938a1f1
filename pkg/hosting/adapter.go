package hosting

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/ravault/pkg/fup"
	"github.com/cuemby/ravault/pkg/log"
	"github.com/cuemby/ravault/pkg/ratypes"
)

// ProxyHost answers Hosting calls by dispatching into one fup.Proxy per
// failover unit, the node-local counterpart of an RA's per-FT state
// (grounded on pkg/worker/worker.go's per-container dispatch table).
type ProxyHost struct {
	mu       sync.Mutex
	proxies  map[string]*fup.Proxy
	executor map[string]*fup.Executor
}

// NewProxyHost constructs an empty host.
func NewProxyHost() *ProxyHost {
	return &ProxyHost{
		proxies:  make(map[string]*fup.Proxy),
		executor: make(map[string]*fup.Executor),
	}
}

func (h *ProxyHost) proxyFor(ftID string) (*fup.Proxy, *fup.Executor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.proxies[ftID]
	if !ok {
		p = fup.NewProxy(ftID)
		h.proxies[ftID] = p
		h.executor[ftID] = fup.NewExecutor(p)
	}
	return p, h.executor[ftID]
}

// HandleHostRequest implements Handler.
func (h *ProxyHost) HandleHostRequest(ctx context.Context, req Request) (Response, error) {
	ftID := req.FailoverUnitDescription
	logger := log.WithComponent("hosting").With().Str("ft_id", ftID).Str("action", string(req.Action)).Logger()

	proxy, ex := h.proxyFor(ftID)

	switch req.Action {
	case ActionReplicaOpen:
		var openErr error
		runErr := ex.Run(ctx, fup.ActionListOpenPrimary, func(ctx context.Context) error {
			openErr = proxy.Open(req.Epoch)
			return openErr
		})
		if runErr != nil {
			return errResponse(runErr), nil
		}
		return Response{}, nil

	case ActionReplicaClose:
		if err := proxy.Close(); err != nil {
			return errResponse(err), nil
		}
		return Response{}, nil

	case ActionStatefulServiceReopen:
		runErr := ex.Run(ctx, fup.ActionListChangeRole, func(ctx context.Context) error { return nil })
		if runErr != nil {
			return errResponse(runErr), nil
		}
		return Response{}, nil

	case ActionUpdateConfiguration, ActionUpdateServiceDescription:
		proxy.UpdateEpoch(req.Epoch)
		return Response{}, nil

	case ActionReplicatorBuildIdleReplica:
		var buildErr error
		runErr := ex.Run(ctx, fup.ActionListBuildIdleReplica, func(ctx context.Context) error { return buildErr })
		if runErr != nil {
			return errResponse(runErr), nil
		}
		return Response{}, nil

	case ActionReplicatorRemoveIdleReplica, ActionCancelCatchupReplicaSet:
		return Response{}, nil

	case ActionReplicatorGetStatus, ActionReplicatorUpdateEpochAndGetStatus:
		if req.Action == ActionReplicatorUpdateEpochAndGetStatus {
			proxy.UpdateEpoch(req.Epoch)
		}
		read, write := proxy.Status(true)
		return Response{ReadStatus: string(read), WriteStatus: string(write)}, nil

	case ActionQuery:
		var read, write string
		runErr := ex.Run(ctx, fup.ActionListQuery, func(ctx context.Context) error {
			r, w := proxy.Status(true)
			read, write = string(r), string(w)
			return nil
		})
		if runErr != nil {
			return errResponse(runErr), nil
		}
		return Response{ReadStatus: read, WriteStatus: write}, nil

	case ActionReplicaEndpointUpdatedReply, ActionReadWriteStatusRevokedNotificationReply:
		logger.Debug().Msg("acknowledged")
		return Response{}, nil

	default:
		return errResponse(fmt.Errorf("unrecognized hosting action %s", req.Action)), nil
	}
}

func errResponse(err error) Response {
	kind, ok := ratypes.KindOf(err)
	if !ok {
		kind = ratypes.ErrorKindCorruptStore
	}
	return Response{Err: err.Error(), Kind: kind}
}

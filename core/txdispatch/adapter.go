package txdispatch

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mitchellh/mapstructure"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-wallet/core/useropengine"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
)

// prepareFieldMapping renames backend prepare fields to the names the
// builder decodes. The backend originals are dropped.
var prepareFieldMapping = map[string]string{
	"gasLimits":  "gas",
	"bundlerUrl": "bundler",
}

// mapPrepareFields returns a copy of raw with prepareFieldMapping applied and
// sender set. raw is left untouched.
func mapPrepareFields(raw map[string]any, sender common.Address) map[string]any {
	mapped := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		if to, ok := prepareFieldMapping[k]; ok {
			mapped[to] = v
			continue
		}
		mapped[k] = v
	}
	mapped["sender"] = sender.Hex()
	return mapped
}

// SmartAccountSigner exposes a SigningBackend as the SmartAccount the user
// operation builder drives, bound to one account address.
type SmartAccountSigner struct {
	backend SigningBackend
	address common.Address
}

var (
	_ useropengine.SmartAccount       = (*SmartAccountSigner)(nil)
	_ useropengine.SubmissionListener = (*SmartAccountSigner)(nil)
)

func NewSmartAccountSigner(backend SigningBackend, address common.Address) *SmartAccountSigner {
	return &SmartAccountSigner{backend: backend, address: address}
}

func (s *SmartAccountSigner) Address() common.Address {
	return s.address
}

func (s *SmartAccountSigner) Prepare(ctx context.Context, req *useropengine.PrepareRequest) (*useropengine.PrepareResponse, error) {
	calls := lo.Map(req.Calls, func(c model.Call, _ int) model.Call {
		return model.Call{
			To:    c.To,
			Data:  lo.Ternary(c.Data == "", "0x", c.Data),
			Value: lo.Ternary(c.Value == "", model.ZeroHex, c.Value),
		}
	})

	raw, err := s.backend.PrepareUserOperation(ctx, req.ChainID, s.address, calls)
	if err != nil {
		return nil, err
	}

	var skeleton useropengine.PrepareResponse
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &skeleton,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(mapPrepareFields(raw, s.address)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSkeleton, err)
	}
	return &skeleton, nil
}

func (s *SmartAccountSigner) Update(ctx context.Context, req *useropengine.UpdateRequest) (*userop.Patch, error) {
	return s.backend.PatchUserOperation(ctx, req.ChainID, s.address, req.UserOperation)
}

func (s *SmartAccountSigner) Sign(ctx context.Context, req *useropengine.SignRequest) (*useropengine.SignResponse, error) {
	sig, err := s.backend.SignUserOperation(ctx, req.ChainID, s.address, req.UserOperation)
	if err != nil {
		return nil, err
	}
	return &useropengine.SignResponse{Signature: sig}, nil
}

// SubmissionFailed drops the backend's cached nonce so the next operation
// starts again from the EntryPoint.
func (s *SmartAccountSigner) SubmissionFailed(ctx context.Context, req *useropengine.SignRequest, err error) {
	if r, ok := s.backend.(NonceResetter); ok {
		r.ResetNonce(req.ChainID, s.address)
	}
}

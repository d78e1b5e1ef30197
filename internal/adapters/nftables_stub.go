// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package adapters

import (
	"context"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/rules"
)

// NFTables is linux-only; elsewhere every operation reports the
// backend permanently unavailable.
type NFTables struct{}

func NewNFTables(string) *NFTables { return &NFTables{} }

func (n *NFTables) Name() string { return "nftables" }

func (n *NFTables) Apply(context.Context, *rules.UniversalRule) (string, error) {
	return "", errors.New(errors.KindPermanent, "nftables requires linux")
}

func (n *NFTables) Remove(context.Context, string) error {
	return errors.New(errors.KindPermanent, "nftables requires linux")
}

func (n *NFTables) Query(context.Context, string) (bool, error) {
	return false, errors.New(errors.KindPermanent, "nftables requires linux")
}

func (n *NFTables) List(context.Context) ([]string, error) {
	return nil, errors.New(errors.KindPermanent, "nftables requires linux")
}

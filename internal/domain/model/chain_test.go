package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChainString(t *testing.T) {
	assert.Equal(t, "ethereum", ChainEthereum.String())
	assert.Equal(t, "base", ChainBase.String())
}

func TestNetworkString(t *testing.T) {
	assert.Equal(t, "mainnet", NetworkMainnet.String())
	assert.Equal(t, "sepolia", NetworkSepolia.String())
}

func TestChainNativeSymbol(t *testing.T) {
	tests := []struct {
		chain    Chain
		expected string
	}{
		{ChainEthereum, "ETH"},
		{ChainBase, "ETH"},
		{ChainArbitrum, "ETH"},
		{ChainPolygon, "POL"},
		{ChainBSC, "BNB"},
	}

	for _, tt := range tests {
		t.Run(tt.chain.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.chain.NativeSymbol())
		})
	}
}

package model

type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainBase     Chain = "base"
	ChainPolygon  Chain = "polygon"
	ChainArbitrum Chain = "arbitrum"
	ChainBSC      Chain = "bsc"
)

func (c Chain) String() string {
	return string(c)
}

// NativeSymbol returns the ticker of the chain's native asset.
func (c Chain) NativeSymbol() string {
	switch c {
	case ChainPolygon:
		return "POL"
	case ChainBSC:
		return "BNB"
	default:
		return "ETH"
	}
}

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkSepolia Network = "sepolia"
	NetworkAmoy    Network = "amoy"
)

func (n Network) String() string {
	return string(n)
}

// NativeDecimals is the number of decimals between the base unit (wei) and
// the display unit of every EVM native asset.
const NativeDecimals = 18

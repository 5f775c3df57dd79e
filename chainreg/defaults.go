package chainreg

// Well-known EVM chains seeded into a fresh registry.
var (
	// EthereumMainnet is eip155:1.
	EthereumMainnet = ChainRef{Namespace: "eip155", Reference: "1"}

	// EthereumSepolia is the eip155:11155111 test network.
	EthereumSepolia = ChainRef{Namespace: "eip155", Reference: "11155111"}
)

// DefaultChains returns the entities a fresh registry is seeded with. The
// returned slice is freshly allocated on each call, so callers may mutate it.
func DefaultChains() []*ChainEntity {
	ether := Currency{Name: "Ether", Symbol: "ETH", Decimals: 18}

	return []*ChainEntity{
		{
			Ref:       EthereumMainnet,
			Namespace: EthereumMainnet.Namespace,
			Metadata: Metadata{
				ChainRef:  EthereumMainnet.String(),
				Namespace: EthereumMainnet.Namespace,
				Name:      "Ethereum Mainnet",
				Currency:  ether,
				RpcURLs: []string{
					"https://eth.llamarpc.com",
				},
				ExplorerURLs: []string{
					"https://etherscan.io",
				},
			},
		},
		{
			Ref:       EthereumSepolia,
			Namespace: EthereumSepolia.Namespace,
			Metadata: Metadata{
				ChainRef:  EthereumSepolia.String(),
				Namespace: EthereumSepolia.Namespace,
				Name:      "Sepolia",
				Currency:  ether,
				RpcURLs: []string{
					"https://rpc.sepolia.org",
				},
				ExplorerURLs: []string{
					"https://sepolia.etherscan.io",
				},
				Testnet: true,
			},
		},
	}
}

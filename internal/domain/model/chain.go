package model

// Chain identifies the ledger family a coin settles on.
type Chain string

const (
	ChainBitcoin  Chain = "bitcoin"
	ChainEthereum Chain = "ethereum"
)

func (c Chain) String() string {
	return string(c)
}

// CoinSymbol is a supported currency ticker.
type CoinSymbol string

const (
	SymbolBTC CoinSymbol = "BTC"
	SymbolETH CoinSymbol = "ETH"
)

func (s CoinSymbol) String() string {
	return string(s)
}

type DepositStatus string

const (
	DepositUnconfirmed DepositStatus = "unconfirmed"
	DepositConfirmed   DepositStatus = "confirmed"
)

type WithdrawalStatus string

const (
	WithdrawalCreated  WithdrawalStatus = "created"
	WithdrawalFinished WithdrawalStatus = "finished"
)

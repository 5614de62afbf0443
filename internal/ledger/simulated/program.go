package simulated

import (
	"fmt"
	"math"

	"github.com/ksred/klear-energy-api/internal/escrow"
	"github.com/ksred/klear-energy-api/internal/ledger"
	"github.com/ksred/klear-energy-api/internal/types"
	"gorm.io/gorm"
)

const maxInt64 = math.MaxInt64

// execution carries one instruction through a database transaction and
// collects the program logs it emits
type execution struct {
	tx        *gorm.DB
	db        *Database
	programID types.PublicKey
	escrow    string
	logs      []string
}

func (e *execution) log(format string, args ...interface{}) {
	e.logs = append(e.logs, "Program log: "+fmt.Sprintf(format, args...))
}

func (e *execution) fail(code, message string) error {
	e.logs = append(e.logs, fmt.Sprintf("Program %s failed: %s", e.programID, message))
	return ledger.NewError(code, message, e.logs...)
}

func (e *execution) dispatch(ix ledger.Instruction) error {
	e.logs = append(e.logs, fmt.Sprintf("Program %s invoke [1]", e.programID))
	e.log("Instruction: %s", ix.Method())

	switch ix := ix.(type) {
	case ledger.SellEnergy:
		return e.sellEnergy(ix)
	case ledger.ConfirmSelling:
		return e.confirmSelling(ix)
	case ledger.BuyEnergy:
		return e.buyEnergy(ix)
	case ledger.ConfirmBuying:
		return e.confirmBuying(ix)
	default:
		return e.fail(ledger.CodeRejected, "unknown instruction "+ix.Method())
	}
}

// initEscrow checks the escrow address against its seeds and that nothing
// has been allocated there yet
func (e *execution) initEscrow(addr, maker types.PublicKey, seed uint64) (uint8, error) {
	e.escrow = addr.String()
	derived, bump, err := escrow.FindProgramAddress(escrow.Seeds(maker, seed), e.programID)
	if err != nil {
		return 0, e.fail(ledger.CodeInvalidAccount, err.Error())
	}
	if derived != addr {
		return 0, e.fail(ledger.CodeInvalidAccount, "seeds constraint violated for escrow account")
	}
	_, err = e.db.GetEscrow(e.tx, addr.String())
	if err == nil {
		e.logs = append(e.logs, ledger.AllocateInUseLog(addr.String()))
		return 0, e.fail(ledger.CodeAccountInUse, "escrow account already in use")
	}
	if !isNotFound(err) {
		return 0, err
	}
	return bump, nil
}

func (e *execution) loadEscrow(addr types.PublicKey, kind types.TradeKind) (*Escrow, error) {
	e.escrow = addr.String()
	rec, err := e.db.GetEscrow(e.tx, addr.String())
	if err != nil {
		if isNotFound(err) {
			return nil, e.fail(ledger.CodeAccountNotFound, "escrow account not initialized")
		}
		return nil, err
	}
	if rec.State != string(types.StatePending) {
		return nil, e.fail(ledger.CodeInvalidState, "escrow is not pending")
	}
	if rec.Kind != string(kind) {
		return nil, e.fail(ledger.CodeInvalidState, fmt.Sprintf("escrow holds a %s trade", rec.Kind))
	}
	return rec, nil
}

func (e *execution) requireMint(mint types.PublicKey) error {
	if _, err := e.db.GetMint(e.tx, mint.String()); err != nil {
		if isNotFound(err) {
			return e.fail(ledger.CodeAccountNotFound, "mint "+mint.String()+" not found")
		}
		return err
	}
	return nil
}

// tokenAccount loads a token account and checks its mint and, when owner is
// set, its owner
func (e *execution) tokenAccount(name string, addr, mint, owner types.PublicKey) (*TokenAccount, error) {
	acct, err := e.db.GetTokenAccount(e.tx, addr.String())
	if err != nil {
		if isNotFound(err) {
			return nil, e.fail(ledger.CodeAccountNotFound, name+" not initialized")
		}
		return nil, err
	}
	if acct.Mint != mint.String() {
		return nil, e.fail(ledger.CodeInvalidAccount, name+" has the wrong mint")
	}
	if !owner.IsZero() && acct.Owner != owner.String() {
		return nil, e.fail(ledger.CodeInvalidAccount, name+" has the wrong owner")
	}
	return acct, nil
}

func (e *execution) hasOne(field, stored string, given types.PublicKey) error {
	if stored != given.String() {
		return e.fail(ledger.CodeInvalidAccount, "has_one constraint violated: "+field)
	}
	return nil
}

func (e *execution) transfer(from, to *TokenAccount, amount uint64) error {
	if from.Amount < amount {
		e.log("Error: insufficient funds")
		return e.fail(ledger.CodeInsufficientFunds, "insufficient funds")
	}
	if err := e.db.AdjustAmount(e.tx, from.Address, -int64(amount)); err != nil {
		return err
	}
	return e.db.AdjustAmount(e.tx, to.Address, int64(amount))
}

func (e *execution) sellEnergy(ix ledger.SellEnergy) error {
	a := ix.Accounts
	if ix.USDCAmount > types.MaxTokenAmount {
		return e.fail(ledger.CodeRejected, "amount overflows")
	}
	bump, err := e.initEscrow(a.Escrow, a.Producer, ix.Seed)
	if err != nil {
		return err
	}
	for _, m := range []types.PublicKey{a.USDCMint, a.VoltMint} {
		if err := e.requireMint(m); err != nil {
			return err
		}
	}
	if _, err := e.tokenAccount("producer_usdc_account", a.ProducerUSDC, a.USDCMint, a.Producer); err != nil {
		return err
	}
	if _, err := e.tokenAccount("devolt_usdc_account", a.PlatformUSDC, a.USDCMint, a.Platform); err != nil {
		return err
	}
	if _, err := e.tokenAccount("devolt_volt_account", a.PlatformVolt, a.VoltMint, a.Platform); err != nil {
		return err
	}

	volts := types.VoltsForUSDC(ix.USDCAmount)
	e.log("USDC amount: %d", ix.USDCAmount)
	e.log("Volts amount: %d", volts)

	return e.db.SaveEscrow(e.tx, &Escrow{
		Address:      a.Escrow.String(),
		Seed:         int64(ix.Seed),
		Bump:         bump,
		Maker:        a.Producer.String(),
		Platform:     a.Platform.String(),
		MakerUSDC:    a.ProducerUSDC.String(),
		PlatformUSDC: a.PlatformUSDC.String(),
		PlatformVolt: a.PlatformVolt.String(),
		USDCMint:     a.USDCMint.String(),
		VoltMint:     a.VoltMint.String(),
		Volts:        volts,
		USDC:         ix.USDCAmount,
		Kind:         string(types.TradeSell),
		State:        string(types.StatePending),
	})
}

func (e *execution) confirmSelling(ix ledger.ConfirmSelling) error {
	a := ix.Accounts
	rec, err := e.loadEscrow(a.Escrow, types.TradeSell)
	if err != nil {
		return err
	}
	for _, c := range []struct {
		field  string
		stored string
		given  types.PublicKey
	}{
		{"devolt", rec.Platform, a.Platform},
		{"producer_usdc_account", rec.MakerUSDC, a.ProducerUSDC},
		{"devolt_usdc_account", rec.PlatformUSDC, a.PlatformUSDC},
		{"devolt_volt_account", rec.PlatformVolt, a.PlatformVolt},
		{"usdc_mint", rec.USDCMint, a.USDCMint},
		{"volt_mint", rec.VoltMint, a.VoltMint},
	} {
		if err := e.hasOne(c.field, c.stored, c.given); err != nil {
			return err
		}
	}

	platformUSDC, err := e.tokenAccount("devolt_usdc_account", a.PlatformUSDC, a.USDCMint, types.PublicKey{})
	if err != nil {
		return err
	}
	producerUSDC, err := e.tokenAccount("producer_usdc_account", a.ProducerUSDC, a.USDCMint, types.PublicKey{})
	if err != nil {
		return err
	}
	platformVolt, err := e.tokenAccount("devolt_volt_account", a.PlatformVolt, a.VoltMint, types.PublicKey{})
	if err != nil {
		return err
	}

	payment := rec.USDC * types.BaseUnitsPerToken
	if platformUSDC.Amount < payment {
		e.log("Refunding selling")
		rec.State = string(types.StateRefunded)
		if err := e.db.SaveEscrow(e.tx, rec); err != nil {
			return err
		}
		return e.fail(ledger.CodeRefunded, "insufficient platform USDC, trade refunded")
	}

	e.log("Transferring USDC from devolt to producer: %d", payment)
	if err := e.transfer(platformUSDC, producerUSDC, payment); err != nil {
		return err
	}
	minted := rec.Volts * types.BaseUnitsPerToken
	e.log("Minting volts to devolt: %d", minted)
	if err := e.db.AdjustAmount(e.tx, platformVolt.Address, int64(minted)); err != nil {
		return err
	}
	if err := e.db.AdjustSupply(e.tx, rec.VoltMint, int64(minted)); err != nil {
		return err
	}

	rec.State = string(types.StateConfirmed)
	return e.db.SaveEscrow(e.tx, rec)
}

func (e *execution) buyEnergy(ix ledger.BuyEnergy) error {
	a := ix.Accounts
	if ix.EnergyAmount > types.MaxTokenAmount {
		return e.fail(ledger.CodeRejected, "amount overflows")
	}
	bump, err := e.initEscrow(a.Escrow, a.Consumer, ix.Seed)
	if err != nil {
		return err
	}
	for _, m := range []types.PublicKey{a.USDCMint, a.VoltMint} {
		if err := e.requireMint(m); err != nil {
			return err
		}
	}
	consumerUSDC, err := e.tokenAccount("consumer_usdc_account", a.ConsumerUSDC, a.USDCMint, a.Consumer)
	if err != nil {
		return err
	}
	escrowUSDC, err := e.tokenAccount("devolt_escrow_usdc_account", a.EscrowUSDC, a.USDCMint, a.Escrow)
	if err != nil {
		return err
	}
	if _, err := e.tokenAccount("devolt_volt_account", a.PlatformVolt, a.VoltMint, a.Platform); err != nil {
		return err
	}

	usdc := types.USDCForVolts(ix.EnergyAmount)
	e.log("Energy amount: %d", ix.EnergyAmount)
	e.log("USDC amount: %d", usdc)

	if err := e.db.SaveEscrow(e.tx, &Escrow{
		Address:      a.Escrow.String(),
		Seed:         int64(ix.Seed),
		Bump:         bump,
		Maker:        a.Consumer.String(),
		Platform:     a.Platform.String(),
		MakerUSDC:    a.ConsumerUSDC.String(),
		PlatformUSDC: a.EscrowUSDC.String(),
		PlatformVolt: a.PlatformVolt.String(),
		USDCMint:     a.USDCMint.String(),
		VoltMint:     a.VoltMint.String(),
		Volts:        ix.EnergyAmount,
		USDC:         usdc,
		Kind:         string(types.TradeBuy),
		State:        string(types.StatePending),
	}); err != nil {
		return err
	}

	payment := usdc * types.BaseUnitsPerToken
	e.log("Transferring USDC from consumer to escrow: %d", payment)
	return e.transfer(consumerUSDC, escrowUSDC, payment)
}

func (e *execution) confirmBuying(ix ledger.ConfirmBuying) error {
	a := ix.Accounts
	rec, err := e.loadEscrow(a.Escrow, types.TradeBuy)
	if err != nil {
		return err
	}
	for _, c := range []struct {
		field  string
		stored string
		given  types.PublicKey
	}{
		{"devolt", rec.Platform, a.Platform},
		{"consumer_usdc_account", rec.MakerUSDC, a.ConsumerUSDC},
		{"devolt_escrow_usdc_account", rec.PlatformUSDC, a.EscrowUSDC},
		{"devolt_volt_account", rec.PlatformVolt, a.PlatformVolt},
		{"usdc_mint", rec.USDCMint, a.USDCMint},
		{"volt_mint", rec.VoltMint, a.VoltMint},
	} {
		if err := e.hasOne(c.field, c.stored, c.given); err != nil {
			return err
		}
	}

	escrowUSDC, err := e.tokenAccount("devolt_escrow_usdc_account", a.EscrowUSDC, a.USDCMint, types.PublicKey{})
	if err != nil {
		return err
	}
	consumerUSDC, err := e.tokenAccount("consumer_usdc_account", a.ConsumerUSDC, a.USDCMint, types.PublicKey{})
	if err != nil {
		return err
	}
	platformUSDC, err := e.tokenAccount("devolt_usdc_account", a.PlatformUSDC, a.USDCMint, a.Platform)
	if err != nil {
		return err
	}
	platformVolt, err := e.tokenAccount("devolt_volt_account", a.PlatformVolt, a.VoltMint, types.PublicKey{})
	if err != nil {
		return err
	}

	payment := rec.USDC * types.BaseUnitsPerToken
	required := rec.Volts * types.BaseUnitsPerToken
	if platformVolt.Amount < required {
		e.log("Refunding buying")
		if err := e.transfer(escrowUSDC, consumerUSDC, payment); err != nil {
			return err
		}
		rec.State = string(types.StateRefunded)
		if err := e.db.SaveEscrow(e.tx, rec); err != nil {
			return err
		}
		return e.fail(ledger.CodeRefunded, "insufficient platform volts, trade refunded")
	}

	e.log("Burning volts: %d", required)
	if err := e.db.AdjustAmount(e.tx, platformVolt.Address, -int64(required)); err != nil {
		return err
	}
	if err := e.db.AdjustSupply(e.tx, rec.VoltMint, -int64(required)); err != nil {
		return err
	}
	e.log("Transferring USDC from escrow to devolt: %d", payment)
	if err := e.transfer(escrowUSDC, platformUSDC, payment); err != nil {
		return err
	}

	rec.State = string(types.StateConfirmed)
	return e.db.SaveEscrow(e.tx, rec)
}

package sync

import (
	"github.com/splitsync/splitsync/internal/document"
	"github.com/splitsync/splitsync/internal/model"
)

// UI-facing mutation and read surface. All mutations are synchronous
// against the in-memory document; durability and replication happen in
// the background off the resulting change event. A mutation error never
// rolls back the document; there is nothing to roll back, the mutation
// either validated and applied or did not apply at all.

func (c *Controller) activeDoc() (*document.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == nil {
		return nil, ErrDetached
	}
	return c.doc, nil
}

// AddExpense appends a new expense, filling in identity and bookkeeping
// fields the UI leaves empty.
func (c *Controller) AddExpense(e model.Expense) error {
	doc, err := c.activeDoc()
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = model.NewID()
	}
	if e.SyncID == "" {
		e.SyncID = model.NewSyncID()
	}
	if e.YearMonth == "" {
		e.YearMonth = model.YearMonth(e.Date)
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = c.now()
	}
	return doc.Append(model.Expenses, e)
}

// UpdateExpense replaces the stored expense with e (matched by e.ID).
// Concurrent updates from two devices resolve as last-full-record-write
// wins; see document.ReplaceByID.
func (c *Controller) UpdateExpense(e model.Expense) error {
	doc, err := c.activeDoc()
	if err != nil {
		return err
	}
	e.UpdatedAt = c.now()
	e.YearMonth = model.YearMonth(e.Date)
	return doc.ReplaceByID(model.Expenses, e.ID, func(old model.Record) model.Record {
		prev := old.(model.Expense)
		e.SyncID = prev.SyncID
		e.CreatedAt = prev.CreatedAt
		return e
	})
}

// DeleteExpense removes an expense by id.
func (c *Controller) DeleteExpense(id string) error {
	doc, err := c.activeDoc()
	if err != nil {
		return err
	}
	return doc.RemoveByID(model.Expenses, id)
}

// AddPerson appends a new person.
func (c *Controller) AddPerson(p model.Person) error {
	doc, err := c.activeDoc()
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = model.NewID()
	}
	if p.SyncID == "" {
		p.SyncID = model.NewSyncID()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = c.now()
	}
	return doc.Append(model.People, p)
}

// UpdatePerson replaces the stored person with p (matched by p.ID).
func (c *Controller) UpdatePerson(p model.Person) error {
	doc, err := c.activeDoc()
	if err != nil {
		return err
	}
	p.UpdatedAt = c.now()
	return doc.ReplaceByID(model.People, p.ID, func(old model.Record) model.Record {
		prev := old.(model.Person)
		p.SyncID = prev.SyncID
		p.CreatedAt = prev.CreatedAt
		return p
	})
}

// DeletePerson removes a person by id.
func (c *Controller) DeletePerson(id string) error {
	doc, err := c.activeDoc()
	if err != nil {
		return err
	}
	return doc.RemoveByID(model.People, id)
}

// AddPayment appends a new settlement payment.
func (c *Controller) AddPayment(p model.Payment) error {
	doc, err := c.activeDoc()
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = model.NewID()
	}
	if p.SyncID == "" {
		p.SyncID = model.NewSyncID()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = c.now()
	}
	return doc.Append(model.Payments, p)
}

// DeletePayment removes a payment by id.
func (c *Controller) DeletePayment(id string) error {
	doc, err := c.activeDoc()
	if err != nil {
		return err
	}
	return doc.RemoveByID(model.Payments, id)
}

// Expenses returns the current expense snapshot in display order.
func (c *Controller) Expenses() []model.Expense {
	doc, err := c.activeDoc()
	if err != nil {
		return nil
	}
	recs := doc.Snapshot(model.Expenses)
	out := make([]model.Expense, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.(model.Expense))
	}
	return out
}

// People returns the current person snapshot in display order.
func (c *Controller) People() []model.Person {
	doc, err := c.activeDoc()
	if err != nil {
		return nil
	}
	recs := doc.Snapshot(model.People)
	out := make([]model.Person, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.(model.Person))
	}
	return out
}

// Payments returns the current payment snapshot in display order.
func (c *Controller) Payments() []model.Payment {
	doc, err := c.activeDoc()
	if err != nil {
		return nil
	}
	recs := doc.Snapshot(model.Payments)
	out := make([]model.Payment, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.(model.Payment))
	}
	return out
}

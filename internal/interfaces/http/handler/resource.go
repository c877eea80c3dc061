package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/erp/possync/internal/domain/catalog"
	"github.com/erp/possync/internal/domain/identity"
	"github.com/erp/possync/internal/domain/partner"
	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/domain/trade"
	"github.com/erp/possync/internal/infrastructure/logger"
	"github.com/erp/possync/internal/infrastructure/persistence"
	"github.com/erp/possync/internal/infrastructure/persistence/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Document is a typed record body accepted by the central server
type Document interface {
	GetGlobalID() string
	IsInactive() bool
	NaturalKey() string
	Validate(op shared.Operation) error
}

// Resource describes one collection served under /api/v1/{name}/
type Resource struct {
	Name       string
	EntityType shared.EntityType
	New        func() Document
	// Secret lists body fields that are never stored
	Secret []string
}

// DefaultResources returns the collections synchronized by the POS devices
func DefaultResources() []Resource {
	return []Resource{
		{Name: "products", EntityType: shared.EntityProduct, New: func() Document { return &catalog.ProductDTO{} }},
		{Name: "customers", EntityType: shared.EntityCustomer, New: func() Document { return &partner.CustomerDTO{} }},
		{Name: "users", EntityType: shared.EntityUser, New: func() Document { return &identity.UserDTO{} }, Secret: []string{"password"}},
		{Name: "sales", EntityType: shared.EntitySale, New: func() Document { return &trade.SaleDTO{} }},
	}
}

// RecordStore is the persistence the resource handler needs
type RecordStore interface {
	Create(ctx context.Context, rec *models.CentralRecord) error
	FindByGlobalID(ctx context.Context, entityType, globalID string) (*models.CentralRecord, error)
	List(ctx context.Context, entityType string, includeInactive bool) ([]models.CentralRecord, error)
	Update(ctx context.Context, rec *models.CentralRecord) error
	SoftDelete(ctx context.Context, entityType, globalID, payload string) error
}

// ResourceHandler serves the synchronized collections. Every collection
// shares the same semantics: global ids and natural keys are unique per
// entity type, PUT merges only the present fields and DELETE deactivates.
type ResourceHandler struct {
	BaseHandler
	store     RecordStore
	resources map[string]Resource
	now       func() time.Time
}

// NewResourceHandler creates a handler serving the given collections
func NewResourceHandler(store RecordStore, resources []Resource) *ResourceHandler {
	h := &ResourceHandler{
		store:     store,
		resources: make(map[string]Resource, len(resources)),
		now:       time.Now,
	}
	for _, r := range resources {
		h.resources[r.Name] = r
	}
	return h
}

// RegisterRoutes implements router.RouteRegistrar
func (h *ResourceHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/:entity/", h.List)
	rg.POST("/:entity/", h.Create)
	rg.GET("/:entity/:id", h.Get)
	rg.PUT("/:entity/:id", h.Update)
	rg.DELETE("/:entity/:id", h.Delete)
}

func (h *ResourceHandler) resource(c *gin.Context) (Resource, bool) {
	r, ok := h.resources[c.Param("entity")]
	if !ok {
		h.HandleError(c, shared.NewDomainError(shared.ErrUnknownEntity.Code, "unknown collection: "+c.Param("entity")))
	}
	return r, ok
}

// List returns every record of a collection. Deactivated records are
// included with active=false unless active_only=true is given.
//
//	@ID				listRecords
//	@Summary		List a collection
//	@Tags			records
//	@Produce		json
//	@Param			entity		path		string	true	"Collection"	Enums(products, customers, users, sales)
//	@Param			active_only	query		bool	false	"Omit deactivated records"
//	@Success		200			{object}	dto.Response
//	@Failure		404			{object}	dto.Response
//	@Router			/{entity}/ [get]
func (h *ResourceHandler) List(c *gin.Context) {
	r, ok := h.resource(c)
	if !ok {
		return
	}
	recs, err := h.store.List(c.Request.Context(), string(r.EntityType), c.Query("active_only") != "true")
	if err != nil {
		h.HandleError(c, err)
		return
	}
	docs := make([]json.RawMessage, len(recs))
	for i := range recs {
		docs[i] = json.RawMessage(recs[i].Payload)
	}
	h.Success(c, docs)
}

// Get returns one record by global id
//
//	@ID				getRecord
//	@Summary		Get a record by global id
//	@Tags			records
//	@Produce		json
//	@Param			entity	path		string	true	"Collection"	Enums(products, customers, users, sales)
//	@Param			id		path		string	true	"Global id"
//	@Success		200		{object}	dto.Response
//	@Failure		404		{object}	dto.Response
//	@Router			/{entity}/{id} [get]
func (h *ResourceHandler) Get(c *gin.Context) {
	r, ok := h.resource(c)
	if !ok {
		return
	}
	rec, err := h.store.FindByGlobalID(c.Request.Context(), string(r.EntityType), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, json.RawMessage(rec.Payload))
}

// Create stores a new record. The body may carry the global id chosen by
// the device; otherwise one is generated.
//
//	@ID				createRecord
//	@Summary		Create a record
//	@Tags			records
//	@Accept			json
//	@Produce		json
//	@Param			entity			path		string	true	"Collection"	Enums(products, customers, users, sales)
//	@Param			Idempotency-Key	header		string	false	"Replays the stored response for a retried request"
//	@Param			body			body		object	true	"Record document"
//	@Success		201				{object}	dto.Response
//	@Failure		409				{object}	dto.Response
//	@Failure		422				{object}	dto.Response
//	@Router			/{entity}/ [post]
func (h *ResourceHandler) Create(c *gin.Context) {
	r, ok := h.resource(c)
	if !ok {
		return
	}
	body, fields, err := h.decode(c, r, shared.OperationCreate)
	if err != nil {
		h.Unprocessable(c, err.Error())
		return
	}

	gid := body.GetGlobalID()
	if gid == "" {
		gid = shared.NewGlobalID()
	} else if !shared.IsValidGlobalID(gid) {
		h.Unprocessable(c, "global_id is not a valid identifier")
		return
	}
	if _, present := fields["active"]; !present {
		fields["active"] = true
	}

	rec := &models.CentralRecord{EntityType: string(r.EntityType), GlobalID: gid}
	doc, err := h.fill(r, rec, fields)
	if err != nil {
		h.Unprocessable(c, err.Error())
		return
	}
	if err := h.store.Create(c.Request.Context(), rec); err != nil {
		if errors.Is(err, shared.ErrAlreadyExists) {
			h.Duplicate(c, "a "+string(r.EntityType)+" with this global id or natural key already exists")
			return
		}
		h.HandleError(c, err)
		return
	}

	logger.GetGinLogger(c).Debug("Record created",
		zap.String("entity", string(r.EntityType)),
		zap.String("global_id", gid),
	)
	h.Created(c, doc)
}

// Update merges the present fields of the body into an existing record
//
//	@ID				updateRecord
//	@Summary		Merge fields into a record
//	@Tags			records
//	@Accept			json
//	@Produce		json
//	@Param			entity	path		string	true	"Collection"	Enums(products, customers, users, sales)
//	@Param			id		path		string	true	"Global id"
//	@Param			body	body		object	true	"Fields to change"
//	@Success		200		{object}	dto.Response
//	@Failure		404		{object}	dto.Response
//	@Failure		409		{object}	dto.Response
//	@Router			/{entity}/{id} [put]
func (h *ResourceHandler) Update(c *gin.Context) {
	r, ok := h.resource(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	rec, err := h.store.FindByGlobalID(ctx, string(r.EntityType), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	_, fields, err := h.decode(c, r, shared.OperationUpdate)
	if err != nil {
		h.Unprocessable(c, err.Error())
		return
	}

	merged, err := decodeFields([]byte(rec.Payload))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	for k, v := range fields {
		merged[k] = v
	}

	doc, err := h.fill(r, rec, merged)
	if err != nil {
		h.Unprocessable(c, err.Error())
		return
	}
	if err := h.store.Update(ctx, rec); err != nil {
		if errors.Is(err, shared.ErrAlreadyExists) {
			h.Duplicate(c, "another "+string(r.EntityType)+" already uses this natural key")
			return
		}
		h.HandleError(c, err)
		return
	}
	h.Success(c, doc)
}

// Delete deactivates a record. Unknown and already deactivated records
// yield 404.
//
//	@ID				deleteRecord
//	@Summary		Deactivate a record
//	@Tags			records
//	@Produce		json
//	@Param			entity	path		string	true	"Collection"	Enums(products, customers, users, sales)
//	@Param			id		path		string	true	"Global id"
//	@Success		200		{object}	dto.Response
//	@Failure		404		{object}	dto.Response
//	@Router			/{entity}/{id} [delete]
func (h *ResourceHandler) Delete(c *gin.Context) {
	r, ok := h.resource(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	rec, err := h.store.FindByGlobalID(ctx, string(r.EntityType), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if !rec.Active {
		h.NotFound(c, string(r.EntityType)+" not found")
		return
	}

	fields, err := decodeFields([]byte(rec.Payload))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	fields["active"] = false
	fields["updated_at"] = h.now().UTC()
	payload, err := json.Marshal(fields)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if err := h.store.SoftDelete(ctx, string(r.EntityType), rec.GlobalID, string(payload)); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, json.RawMessage(payload))
}

// decode reads the body into the collection's document type, validates it
// for op, and also returns the raw top-level fields so partial updates can
// tell absent fields from zero values.
func (h *ResourceHandler) decode(c *gin.Context, r Resource, op shared.Operation) (Document, map[string]any, error) {
	raw, err := c.GetRawData()
	if err != nil {
		return nil, nil, err
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return nil, nil, errors.New("body must be a JSON object")
	}
	doc := r.New()
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, nil, errors.New("body does not match the " + r.Name + " document: " + err.Error())
	}
	if err := validate.Struct(doc); err != nil {
		return nil, nil, err
	}
	if err := doc.Validate(op); err != nil {
		return nil, nil, err
	}
	for _, k := range r.Secret {
		delete(fields, k)
	}
	return doc, fields, nil
}

// fill stamps the server-owned fields onto the merged document, derives the
// natural key and stores the payload on rec
func (h *ResourceHandler) fill(r Resource, rec *models.CentralRecord, fields map[string]any) (json.RawMessage, error) {
	fields["global_id"] = rec.GlobalID
	fields["updated_at"] = h.now().UTC()

	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	doc := r.New()
	if err := json.Unmarshal(payload, doc); err != nil {
		return nil, err
	}

	rec.Active = !doc.IsInactive()
	rec.NaturalKey = doc.NaturalKey()
	// records without a natural key are only unique by global id
	if !rec.Active || rec.NaturalKey == "" {
		rec.NaturalKey = persistence.ReleasedKey(rec.GlobalID)
	}
	rec.Payload = string(payload)
	return payload, nil
}

func decodeFields(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("null document")
	}
	return fields, nil
}

// Package docs registers the OpenAPI document of the central server.
// Regenerate with `swag init -g cmd/central/main.go -o internal/interfaces/http/docs`
// after changing handler annotations.
package docs

import "github.com/swaggo/swag/v2"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "basePath": "{{.BasePath}}",
    "paths": {
        "/stats": {
            "get": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Active records per entity type",
                "operationId": "stats",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/dto.StatsEnvelope"}}
                }
            }
        },
        "/{entity}/": {
            "get": {
                "produces": ["application/json"],
                "tags": ["records"],
                "summary": "List a collection",
                "operationId": "listRecords",
                "parameters": [
                    {"$ref": "#/parameters/entity"},
                    {"type": "boolean", "description": "Omit deactivated records", "name": "active_only", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/dto.Response"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/dto.Response"}}
                }
            },
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["records"],
                "summary": "Create a record",
                "operationId": "createRecord",
                "parameters": [
                    {"$ref": "#/parameters/entity"},
                    {"type": "string", "description": "Replays the stored response for a retried request", "name": "Idempotency-Key", "in": "header"},
                    {"description": "Record document", "name": "body", "in": "body", "required": true, "schema": {"type": "object"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/dto.Response"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/dto.Response"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/dto.Response"}}
                }
            }
        },
        "/{entity}/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["records"],
                "summary": "Get a record by global id",
                "operationId": "getRecord",
                "parameters": [
                    {"$ref": "#/parameters/entity"},
                    {"$ref": "#/parameters/id"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/dto.Response"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/dto.Response"}}
                }
            },
            "put": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["records"],
                "summary": "Merge fields into a record",
                "operationId": "updateRecord",
                "parameters": [
                    {"$ref": "#/parameters/entity"},
                    {"$ref": "#/parameters/id"},
                    {"description": "Fields to change", "name": "body", "in": "body", "required": true, "schema": {"type": "object"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/dto.Response"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/dto.Response"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/dto.Response"}}
                }
            },
            "delete": {
                "produces": ["application/json"],
                "tags": ["records"],
                "summary": "Deactivate a record",
                "operationId": "deleteRecord",
                "parameters": [
                    {"$ref": "#/parameters/entity"},
                    {"$ref": "#/parameters/id"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/dto.Response"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/dto.Response"}}
                }
            }
        }
    },
    "parameters": {
        "entity": {
            "enum": ["products", "customers", "users", "sales"],
            "type": "string",
            "description": "Collection",
            "name": "entity",
            "in": "path",
            "required": true
        },
        "id": {
            "type": "string",
            "description": "Global id",
            "name": "id",
            "in": "path",
            "required": true
        }
    },
    "definitions": {
        "dto.ErrorInfo": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "request_id": {"type": "string"}
            }
        },
        "dto.Response": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "data": {},
                "error": {"$ref": "#/definitions/dto.ErrorInfo"}
            }
        },
        "dto.StatsResponse": {
            "type": "object",
            "properties": {
                "records": {"type": "object", "additionalProperties": {"type": "integer"}},
                "uptime": {"type": "string"}
            }
        },
        "dto.StatsEnvelope": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "data": {"$ref": "#/definitions/dto.StatsResponse"},
                "error": {"$ref": "#/definitions/dto.ErrorInfo"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/api/v1",
	Title:            "POS Sync Central API",
	Description:      "Reference server the POS devices synchronize products, customers, users and sales with.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

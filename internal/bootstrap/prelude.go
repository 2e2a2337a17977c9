package bootstrap

import "github.com/dop251/goja"

// preludeSource installs the web-style globals user modules rely on and
// replaces every host capability with a function that throws
// PermissionDenied.
const preludeSource = `
(function (global) {
  "use strict";

  class PermissionDenied extends Error {
    constructor(message) {
      super(message);
      this.name = "PermissionDenied";
    }
  }

  function deny(what) {
    return function () {
      throw new PermissionDenied(what + " is not permitted");
    };
  }

  class Headers {
    constructor(init) {
      this._map = Object.create(null);
      if (init instanceof Headers) {
        init.forEach((v, k) => this.set(k, v));
      } else if (Array.isArray(init)) {
        for (const pair of init) this.append(pair[0], pair[1]);
      } else if (init && typeof init === "object") {
        for (const k of Object.keys(init)) this.set(k, init[k]);
      }
    }
    get(name) {
      const v = this._map[String(name).toLowerCase()];
      return v === undefined ? null : v.join(", ");
    }
    set(name, value) {
      this._map[String(name).toLowerCase()] = [String(value)];
    }
    append(name, value) {
      const k = String(name).toLowerCase();
      (this._map[k] = this._map[k] || []).push(String(value));
    }
    has(name) {
      return String(name).toLowerCase() in this._map;
    }
    delete(name) {
      delete this._map[String(name).toLowerCase()];
    }
    forEach(fn) {
      for (const k of Object.keys(this._map)) fn(this.get(k), k, this);
    }
    entries() {
      return Object.keys(this._map).map((k) => [k, this.get(k)]);
    }
  }

  function readBody(body) {
    return body == null ? "" : String(body);
  }

  class Request {
    constructor(url, init) {
      init = init || {};
      this.url = String(url);
      this.method = String(init.method || "GET").toUpperCase();
      this.headers = new Headers(init.headers);
      this._body = readBody(init.body);
    }
    text() {
      return Promise.resolve(this._body);
    }
    json() {
      return Promise.resolve(this._body).then(JSON.parse);
    }
  }

  class Response {
    constructor(body, init) {
      init = init || {};
      this.status = init.status === undefined ? 200 : Number(init.status);
      this.statusText = init.statusText || "";
      this.headers = new Headers(init.headers);
      this._body = readBody(body);
      if (typeof body === "string" && !this.headers.has("content-type")) {
        this.headers.set("content-type", "text/plain;charset=UTF-8");
      }
    }
    get ok() {
      return this.status >= 200 && this.status < 300;
    }
    text() {
      return Promise.resolve(this._body);
    }
    json() {
      return Promise.resolve(this._body).then(JSON.parse);
    }
    static json(data, init) {
      const r = new Response(JSON.stringify(data), init);
      r.headers.set("content-type", "application/json");
      return r;
    }
  }

  function toResult(v) {
    if (v instanceof Response) {
      return { status: v.status, headers: v.headers.entries(), body: v._body };
    }
    if (typeof v === "string") {
      return { status: 200, headers: [["content-type", "text/plain;charset=UTF-8"]], body: v };
    }
    if (v === undefined || v === null) {
      return { status: 204, headers: [], body: "" };
    }
    return { status: 200, headers: [["content-type", "application/json"]], body: JSON.stringify(v) };
  }

  const denyEnv = deny("environment access");
  const denyFS = deny("file system access");
  const denyRun = deny("subprocess execution");

  global.PermissionDenied = PermissionDenied;
  global.Headers = Headers;
  global.Request = Request;
  global.Response = Response;
  global.__anvil_toResult = toResult;

  global.fetch = deny("network access");
  global.require = deny("require");
  global.Deno = Object.freeze({
    env: Object.freeze({ get: denyEnv, set: denyEnv, has: denyEnv, toObject: denyEnv }),
    readFile: denyFS,
    readTextFile: denyFS,
    writeFile: denyFS,
    writeTextFile: denyFS,
    remove: denyFS,
    open: denyFS,
    connect: deny("network access"),
    listen: deny("network access"),
    Command: denyRun,
    run: denyRun,
  });
  global.process = Object.freeze({
    env: new Proxy({}, { get: denyEnv, has: denyEnv, ownKeys: denyEnv }),
    exit: denyRun,
  });
})(globalThis);
`

var preludeProgram = goja.MustCompile("prelude.js", preludeSource, false)
